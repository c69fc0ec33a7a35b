package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestBox_SealOpen(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := NewBox(key)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := box.Seal("hub-token-123")
	if err != nil {
		t.Fatal(err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "hub-token") {
		t.Fatalf("sealed = %q", sealed)
	}
	again, _ := box.Seal("hub-token-123")
	if again == sealed {
		t.Error("nonce reused")
	}
	got, err := box.Open(sealed)
	if err != nil || got != "hub-token-123" {
		t.Errorf("Open = %q, %v", got, err)
	}
}

func TestBox_OpenPlainPassesThrough(t *testing.T) {
	box, _ := NewBox(strings.Repeat("k", 32))
	got, err := box.Open("plain-token")
	if err != nil || got != "plain-token" {
		t.Errorf("Open = %q, %v", got, err)
	}
}

func TestBox_WrongKey(t *testing.T) {
	a, _ := NewBox(strings.Repeat("a", 32))
	b, _ := NewBox(strings.Repeat("b", 32))
	sealed, _ := a.Seal("secret")
	if _, err := b.Open(sealed); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("Open with wrong key = %v", err)
	}
	if _, err := a.Open(SealedPrefix + "!!!"); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("Open garbage = %v", err)
	}
}

func TestNewBox_KeyForms(t *testing.T) {
	valid := []string{
		strings.Repeat("ab", 32),
		"MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
		strings.Repeat("x", 32),
	}
	for _, k := range valid {
		if _, err := NewBox(k); err != nil {
			t.Errorf("NewBox(%q) = %v", k, err)
		}
	}
	for _, k := range []string{"", "short", strings.Repeat("z", 64)} {
		if _, err := NewBox(k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("NewBox(%q) = %v, want ErrInvalidKey", k, err)
		}
	}
}
