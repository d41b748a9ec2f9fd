package config

import "testing"

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen.Address != ":4242" {
		t.Errorf("Listen.Address = %s, want :4242", cfg.Listen.Address)
	}
	if cfg.Listen.MaxPendingAccept != 16 {
		t.Errorf("Listen.MaxPendingAccept = %d, want 16", cfg.Listen.MaxPendingAccept)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %s, want text", cfg.Logging.Format)
	}
}

func TestParseValidConfig(t *testing.T) {
	yamlConfig := `
listen:
  address: "0.0.0.0:4242"
  long_term_public: "1111111111111111111111111111111111111111111111111111111111111111"
  long_term_private: "2222222222222222222222222222222222222222222222222222222222222222"
logging:
  level: debug
  format: json
routes:
  - extension: "00112233445566778899aabbccddeeff"
    target: "127.0.0.1:8080"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Listen.Address != "0.0.0.0:4242" {
		t.Errorf("Listen.Address = %s, want 0.0.0.0:4242", cfg.Listen.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	table := cfg.RouteTable()
	if len(table) != 1 {
		t.Fatalf("RouteTable has %d entries, want 1", len(table))
	}
	var ext [16]byte
	for k := range table {
		ext = k
	}
	if table[ext] != "127.0.0.1:8080" {
		t.Errorf("route target = %s, want 127.0.0.1:8080", table[ext])
	}
}

func TestParseRejectsMissingKeys(t *testing.T) {
	yamlConfig := `
listen:
  address: "0.0.0.0:4242"
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected error for missing key material, got nil")
	}
}

func TestParseRejectsBadKeyLength(t *testing.T) {
	yamlConfig := `
listen:
  address: "0.0.0.0:4242"
  long_term_public: "aabb"
  long_term_private: "2222222222222222222222222222222222222222222222222222222222222222"
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected error for short public key, got nil")
	}
}

func TestParseRejectsDuplicateExtension(t *testing.T) {
	yamlConfig := `
listen:
  address: "0.0.0.0:4242"
  long_term_public: "1111111111111111111111111111111111111111111111111111111111111111"
  long_term_private: "2222222222222222222222222222222222222222222222222222222222222222"
routes:
  - extension: "00112233445566778899aabbccddeeff"
    target: "127.0.0.1:8080"
  - extension: "00112233445566778899aabbccddeeff"
    target: "127.0.0.1:9090"
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected error for duplicate extension, got nil")
	}
}

func TestParseRejectsInvalidLogLevel(t *testing.T) {
	yamlConfig := `
listen:
  address: "0.0.0.0:4242"
  long_term_public: "1111111111111111111111111111111111111111111111111111111111111111"
  long_term_private: "2222222222222222222222222222222222222222222222222222222222222222"
logging:
  level: verbose
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}
