package config

import (
	"strings"
	"testing"

	"txreplay/internal/apperr"
)

func TestParseTxHash(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	hash, err := ParseTxHash(valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash.Hex() != valid {
		t.Fatalf("hash mismatch: %s", hash.Hex())
	}
}

func TestParseTxHashInvalid(t *testing.T) {
	cases := []string{
		"",
		"0x",
		"0x1234",
		strings.Repeat("ab", 32),
		"0x" + strings.Repeat("ab", 31) + "zz",
		"0x" + strings.Repeat("ab", 33),
	}
	for _, input := range cases {
		_, err := ParseTxHash(input)
		if err == nil {
			t.Fatalf("expected error for %q", input)
		}
		if !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("expected validation error for %q, got %v", input, err)
		}
	}
}

func TestValidateRPCURL(t *testing.T) {
	if err := ValidateRPCURL("https://eth.example.org/v1/key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, input := range []string{"ws://node:8546", "eth.example.org", "http://", "::"} {
		if err := ValidateRPCURL(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestValidateAPIKey(t *testing.T) {
	if err := ValidateAPIKey("ABCDEFGHIJKLMNOPQRSTUVWXYZ12345678"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateAPIKey("short"); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestValidatePort(t *testing.T) {
	if err := ValidatePort(8545); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidatePort(0); err == nil {
		t.Fatalf("expected error for port 0")
	}
	if err := ValidatePort(70000); err == nil {
		t.Fatalf("expected error for port 70000")
	}
}

func TestParseStringMap(t *testing.T) {
	got := ParseStringMap("value=0, data = 0x ,=skip,broken")
	if len(got) != 2 {
		t.Fatalf("unexpected map: %+v", got)
	}
	if got["value"] != "0" || got["data"] != "0x" {
		t.Fatalf("unexpected map: %+v", got)
	}
}
