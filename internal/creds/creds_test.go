package creds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	c, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	plain := c.Plaintext()
	if len(plain) < 16 {
		t.Errorf("plaintext length = %d, want >= 16", len(plain))
	}
	for _, b := range plain {
		if b < 0x21 || b > 0x7e {
			t.Errorf("non-printable byte %#x in plaintext", b)
		}
		if b == '\'' || b == '"' || b == '\\' {
			t.Errorf("quoting-hostile byte %q in plaintext", b)
		}
	}
}

func TestGenerateDistinct(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(a.Plaintext()) == string(b.Plaintext()) {
		t.Error("two generated passwords are identical")
	}
}

// fakeTor writes a stub hash-password binary and returns its path.
func fakeTor(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tor")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestDerive(t *testing.T) {
	tor := fakeTor(t, "#!/bin/sh\necho '16:872860B76453A77D60CA2BB8C1A7042072093276A3D701AD684053EC4C'\n")

	c, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := c.Derive(context.Background(), tor); err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if !strings.HasPrefix(c.Hashed(), "16:") {
		t.Errorf("Hashed = %q, want 16: prefix", c.Hashed())
	}
}

func TestDeriveSkipsWarningLines(t *testing.T) {
	tor := fakeTor(t, "#!/bin/sh\necho 'Aug 06 12:00:00.000 [warn] something'\necho '16:AABBCC'\n")

	c, _ := Generate()
	if err := c.Derive(context.Background(), tor); err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if c.Hashed() != "16:AABBCC" {
		t.Errorf("Hashed = %q", c.Hashed())
	}
}

func TestDeriveBinaryFails(t *testing.T) {
	tor := fakeTor(t, "#!/bin/sh\nexit 3\n")

	c, _ := Generate()
	err := c.Derive(context.Background(), tor)
	if err == nil {
		t.Fatal("Derive should fail when the binary exits non-zero")
	}
	var de *DerivationError
	if !errors.As(err, &de) {
		t.Fatalf("expected DerivationError, got %T", err)
	}
}

func TestDeriveBinaryMissing(t *testing.T) {
	c, _ := Generate()
	err := c.Derive(context.Background(), filepath.Join(t.TempDir(), "no-such-tor"))
	var de *DerivationError
	if !errors.As(err, &de) {
		t.Fatalf("expected DerivationError, got %v", err)
	}
}

func TestDeriveGarbageOutput(t *testing.T) {
	tor := fakeTor(t, "#!/bin/sh\necho 'not a hash'\n")

	c, _ := Generate()
	var de *DerivationError
	if err := c.Derive(context.Background(), tor); !errors.As(err, &de) {
		t.Fatalf("expected DerivationError for garbage output, got %v", err)
	}
}

func TestZero(t *testing.T) {
	c, _ := Generate()
	if c.Plaintext() == nil {
		t.Fatal("plaintext should exist before Zero")
	}

	c.Zero()

	if c.Plaintext() != nil {
		t.Error("plaintext should be nil after Zero")
	}

	// Deriving after Zero must fail rather than hash an empty string.
	tor := fakeTor(t, "#!/bin/sh\necho '16:AABBCC'\n")
	if err := c.Derive(context.Background(), tor); err == nil {
		t.Error("Derive after Zero should fail")
	}
}
