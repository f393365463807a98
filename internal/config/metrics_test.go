package config

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestLoadErrorClass(t *testing.T) {
	parseErr := &ParseError{Key: "JOB_MAX_POLLS", Err: errors.New("invalid syntax")}
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "none", err: nil, want: "none"},
		{name: "validation", err: fmt.Errorf("%w: %w", ErrInvalid, errors.New("OAUTH_CLIENT_ID is required")), want: "validation"},
		{name: "parse", err: parseErr, want: "parse"},
		{name: "joined parse", err: errors.Join(errors.New("other"), parseErr), want: "parse"},
		{name: "other", err: errors.New("some other load error"), want: "load"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := loadErrorClass(tc.err); got != tc.want {
				t.Fatalf("loadErrorClass()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestFromLookupMissingCredentialsIsValidation(t *testing.T) {
	_, err := FromLookup(func(string) (string, bool) { return "", false })
	if got := loadErrorClass(err); got != "validation" {
		t.Fatalf("expected validation class for missing credentials, got %q (%v)", got, err)
	}
}

func TestNormalizeLabel(t *testing.T) {
	if got := normalizeLabel("  ProD  "); got != "prod" {
		t.Fatalf("expected prod, got %q", got)
	}
	if got := normalizeLabel("   "); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func FuzzNormalizeLabel(f *testing.F) {
	f.Add("  Redis  ")
	f.Add("")
	f.Add(strings.Repeat("S", 4096))

	f.Fuzz(func(t *testing.T, raw string) {
		got := normalizeLabel(raw)
		if got == "" {
			t.Fatal("normalized label must not be empty")
		}
		if strings.TrimSpace(raw) == "" && got != "unknown" {
			t.Fatalf("expected unknown for blank input, got %q", got)
		}
		if utf8.ValidString(raw) && !utf8.ValidString(got) {
			t.Fatalf("valid input produced invalid label %q", got)
		}
	})
}
