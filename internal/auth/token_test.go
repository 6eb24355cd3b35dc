package auth

import (
	"encoding/base64"
	"testing"
)

func TestGenerateToken(t *testing.T) {
	t.Run("returns token and matching hash", func(t *testing.T) {
		token, hash, err := GenerateToken()
		if err != nil {
			t.Fatalf("GenerateToken() error: %v", err)
		}
		if token == "" || hash == "" {
			t.Fatal("GenerateToken() returned empty value")
		}
		if HashToken(token) != hash {
			t.Error("hash does not match HashToken(token)")
		}
	})

	t.Run("token decodes to TokenLength bytes", func(t *testing.T) {
		token, _, _ := GenerateToken()
		raw, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			t.Fatalf("token is not base64url: %v", err)
		}
		if len(raw) != TokenLength {
			t.Errorf("len = %d, want %d", len(raw), TokenLength)
		}
	})

	t.Run("two calls produce different tokens", func(t *testing.T) {
		t1, _, _ := GenerateToken()
		t2, _, _ := GenerateToken()
		if t1 == t2 {
			t.Error("GenerateToken() produced identical tokens on consecutive calls")
		}
	})
}

func TestHashToken(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashToken("abc"); got != want {
		t.Errorf("HashToken(abc) = %s, want %s", got, want)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc123", "abc123", false},
		{"trims whitespace", "Bearer   abc123  ", "abc123", false},
		{"empty header", "", "", true},
		{"wrong scheme", "Basic abc", "", true},
		{"empty token", "Bearer    ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBearerToken(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
