package room

import (
	"strings"
	"testing"
)

func TestGenerateCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code := GenerateCode()
		if len(code) != CodeLen {
			t.Fatalf("code %q has length %d, want %d", code, len(code), CodeLen)
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		seen[code] = true
	}
	// 200 draws from 32^6 colliding would point at a broken generator.
	if len(seen) < 190 {
		t.Fatalf("only %d distinct codes out of 200", len(seen))
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abq2ef", "ABQ2EF"},
		{"  ab-q2 ef ", "ABQ2EF"},
		{"ABQ2EFXX", "ABQ2EF"}, // truncated to code length
		{"a!b@#", "AB"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeCode(tt.in); got != tt.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidCode(t *testing.T) {
	if ValidCode("ABC") {
		t.Error("short code accepted")
	}
	if !ValidCode(NormalizeCode("abq2ef")) {
		t.Error("normalized full-length code rejected")
	}
}

func TestInviteRoundTrip(t *testing.T) {
	invite, err := InviteURL("https://studysync.app/join", "abq2ef")
	if err != nil {
		t.Fatalf("InviteURL: %v", err)
	}
	if got := CodeFromInvite(invite); got != "ABQ2EF" {
		t.Fatalf("CodeFromInvite(%q) = %q, want ABQ2EF", invite, got)
	}
	if got := CodeFromInvite("https://studysync.app/join"); got != "" {
		t.Fatalf("missing room param yielded %q, want empty", got)
	}
	if got := CodeFromInvite("::not a url::"); got != "" {
		t.Fatalf("malformed url yielded %q, want empty", got)
	}
}
