package pki

import (
	"errors"
	"strings"
	"testing"
)

func TestGeneratePasswordAlphabetAndLength(t *testing.T) {
	for _, n := range []int{8, 12, 64} {
		pw, err := GeneratePassword(n)
		if err != nil {
			t.Fatalf("GeneratePassword(%d): %v", n, err)
		}
		if len(pw) != n {
			t.Fatalf("expected length %d, got %d", n, len(pw))
		}
		for _, r := range pw {
			if !strings.ContainsRune(PasswordAlphabet, r) {
				t.Fatalf("unexpected character %q in %q", r, pw)
			}
		}
	}
}

func TestGeneratePasswordTooShort(t *testing.T) {
	if _, err := GeneratePassword(7); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
}

func TestGeneratePasswordVaries(t *testing.T) {
	a, _ := GeneratePassword(16)
	b, _ := GeneratePassword(16)
	if a == b {
		t.Fatalf("two passwords were identical: %q", a)
	}
}
