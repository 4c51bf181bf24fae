package trigger

// Conservative glob-overlap detection. Two patterns overlap when some tag
// string could match both. Character classes are treated as able to match
// any single rune, so the check can report overlap for class patterns that
// are in fact disjoint; it never misses a genuine overlap.

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenAnyOne            // ? - any single rune except '/'
	tokenClass             // [...] - assumed to match any single rune
	tokenStar              // * - any run of runes except '/'
)

type patternToken struct {
	kind tokenKind
	lit  rune
}

func globsOverlap(a, b string) bool {
	ta := tokenize(a)
	tb := tokenize(b)

	memo := make(map[[2]int]bool, (len(ta)+1)*(len(tb)+1))
	var overlap func(i, j int) bool
	overlap = func(i, j int) bool {
		key := [2]int{i, j}
		if v, ok := memo[key]; ok {
			return v
		}
		// Transitions strictly increase i+j, so no state is re-entered
		// while still being computed.
		memo[key] = false

		if i == len(ta) && j == len(tb) {
			memo[key] = true
			return true
		}
		if i < len(ta) && ta[i].kind == tokenStar && overlap(i+1, j) {
			memo[key] = true
			return true
		}
		if j < len(tb) && tb[j].kind == tokenStar && overlap(i, j+1) {
			memo[key] = true
			return true
		}
		if i < len(ta) && j < len(tb) && headsCompatible(ta[i], tb[j]) {
			ni, nj := i, j
			if ta[i].kind != tokenStar {
				ni++
			}
			if tb[j].kind != tokenStar {
				nj++
			}
			// Both heads being stars is covered by the epsilon branches.
			if (ni > i || nj > j) && overlap(ni, nj) {
				memo[key] = true
				return true
			}
		}
		return false
	}
	return overlap(0, 0)
}

// headsCompatible reports whether the two pattern heads can consume one
// common rune. Stars and ? never consume '/'; classes are assumed able to.
func headsCompatible(x, y patternToken) bool {
	if x.kind == tokenLiteral && y.kind == tokenLiteral {
		return x.lit == y.lit
	}
	if x.kind == tokenLiteral {
		return literalCompatible(x.lit, y.kind)
	}
	if y.kind == tokenLiteral {
		return literalCompatible(y.lit, x.kind)
	}
	return true
}

func literalCompatible(lit rune, wildcard tokenKind) bool {
	if lit != '/' {
		return true
	}
	return wildcard == tokenClass
}

// tokenize assumes the pattern already passed ValidatePattern.
func tokenize(pattern string) []patternToken {
	runes := []rune(pattern)
	tokens := make([]patternToken, 0, len(runes))
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			// Collapse adjacent stars.
			if len(tokens) > 0 && tokens[len(tokens)-1].kind == tokenStar {
				continue
			}
			tokens = append(tokens, patternToken{kind: tokenStar})
		case '?':
			tokens = append(tokens, patternToken{kind: tokenAnyOne})
		case '[':
			for i++; i < len(runes) && runes[i] != ']'; i++ {
				if runes[i] == '\\' {
					i++
				}
			}
			tokens = append(tokens, patternToken{kind: tokenClass})
		case '\\':
			if i+1 < len(runes) {
				i++
			}
			tokens = append(tokens, patternToken{kind: tokenLiteral, lit: runes[i]})
		default:
			tokens = append(tokens, patternToken{kind: tokenLiteral, lit: runes[i]})
		}
	}
	return tokens
}
