package config

import "testing"

type tSettings struct {
	Addr  string `ini:"addr"`
	TLS   bool   `ini:"tls"`
	Level string `ini:"log"`
}

func TestOptions(t *testing.T) {
	data := []byte("addr = 127.0.0.1:7232\n[log]\nlog = trace\n")
	opts, err := Options(data)
	if err != nil {
		t.Fatalf("Options error: %v", err)
	}
	// Section headers are flattened away.
	if opts["addr"] != "127.0.0.1:7232" || opts["log"] != "trace" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestParse(t *testing.T) {
	var cfg tSettings
	if err := Parse([]byte("addr = :7232\ntls = true\n"), &cfg); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Addr != ":7232" || !cfg.TLS {
		t.Fatalf("unexpected settings %+v", cfg)
	}

	// Sectioned data populates the same flat struct.
	cfg = tSettings{}
	err := Parse([]byte("[relay]\naddr = :7233\n[log]\nlog = debug\n"), &cfg)
	if err != nil {
		t.Fatalf("Parse error for sectioned data: %v", err)
	}
	if cfg.Addr != ":7233" || cfg.Level != "debug" {
		t.Fatalf("unexpected settings %+v", cfg)
	}
}
