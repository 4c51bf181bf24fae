package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		UseSSL:    false,
		Bucket:    "artifacts",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scheme in endpoint", func(c *Config) { c.Endpoint = "http://localhost:9000" }},
		{"missing endpoint", func(c *Config) { c.Endpoint = " " }},
		{"missing access key", func(c *Config) { c.AccessKey = "" }},
		{"missing secret key", func(c *Config) { c.SecretKey = "" }},
		{"missing bucket", func(c *Config) { c.Bucket = "" }},
		{"missing region", func(c *Config) { c.Region = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error")
			}
		})
	}
}
