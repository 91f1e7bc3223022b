package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Setenv("TEST_TIMEOUT", "45s")
	d, err := Duration("TEST_TIMEOUT", time.Second)
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if d != 45*time.Second {
		t.Fatalf("expected 45s, got %s", d)
	}

	t.Setenv("TEST_TIMEOUT", "soon")
	if _, err := Duration("TEST_TIMEOUT", time.Second); err == nil {
		t.Fatal("expected error for invalid duration")
	}

	d, err = Duration("TEST_TIMEOUT_UNSET", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s (%v)", d, err)
	}
}

func TestIntAndBool(t *testing.T) {
	t.Setenv("TEST_LIMIT", "250")
	n, err := Int("TEST_LIMIT", 100)
	if err != nil || n != 250 {
		t.Fatalf("expected 250, got %d (%v)", n, err)
	}
	t.Setenv("TEST_LIMIT", "many")
	if _, err := Int("TEST_LIMIT", 100); err == nil {
		t.Fatal("expected error for non-numeric value")
	}

	t.Setenv("TEST_FLAG", "TRUE")
	if !Bool("TEST_FLAG", false) {
		t.Fatal("expected TRUE to parse as true")
	}
	if !Bool("TEST_FLAG_UNSET", true) {
		t.Fatal("expected fallback true")
	}
}

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "70000")
	if _, err := Port("TEST_PORT", "8080"); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	p, err := Port("TEST_PORT_UNSET", "8085")
	if err != nil || p != "8085" {
		t.Fatalf("expected fallback port, got %q (%v)", p, err)
	}
}

func TestList(t *testing.T) {
	t.Setenv("TEST_ORIGINS", " http://a.test , ,http://b.test")
	got := List("TEST_ORIGINS")
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Fatalf("unexpected list: %v", got)
	}
}
