package auth

import (
	"testing"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty string",
			input: "",
			want:  "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:  "whitespace only",
			input: "   ",
			want:  "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashKey(tt.input); got != tt.want {
				t.Errorf("HashKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashKey_TrimsWhitespace(t *testing.T) {
	if HashKey("  test-api-key  ") != HashKey("test-api-key") {
		t.Error("HashKey should ignore surrounding whitespace")
	}
	if len(HashKey("test-api-key")) != 64 {
		t.Error("HashKey should return a 64-char hex string")
	}
}

func TestHashKey_DifferentInputsDifferentOutputs(t *testing.T) {
	if HashKey("key1") == HashKey("key2") {
		t.Error("Different keys produced same hash")
	}
}

func TestTokenMatches(t *testing.T) {
	tests := []struct {
		name      string
		presented string
		secret    string
		want      bool
	}{
		{"equal", "s3cret", "s3cret", true},
		{"different", "s3cret", "other", false},
		{"prefix", "s3c", "s3cret", false},
		{"empty secret never matches", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TokenMatches(tt.presented, tt.secret); got != tt.want {
				t.Errorf("TokenMatches(%q, %q) = %v, want %v", tt.presented, tt.secret, got, tt.want)
			}
		})
	}
}
