package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"longer than max", "very-long-token-abc123", 8, "very-lon"},
		{"shorter than max", "short", 10, "short"},
		{"exact length", "eight-ch", 8, "eight-ch"},
		{"empty string", "", 5, ""},
		{"zero max", "value", 0, ""},
		{"negative max", "value", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeScope(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"openid  profile", "openid profile"},
		{"  openid ", "openid"},
		{"", ""},
		{"a\tb\nc", "a b c"},
	}

	for _, tt := range tests {
		if got := NormalizeScope(tt.input); got != tt.want {
			t.Errorf("NormalizeScope(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
