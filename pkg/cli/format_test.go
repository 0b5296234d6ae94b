package cli

import (
	"strings"
	"testing"
)

func TestColors_Enabled(t *testing.T) {
	old := colorEnabled
	colorEnabled = true
	defer func() { colorEnabled = old }()

	tests := []struct {
		name string
		fn   func(string) string
		code string
	}{
		{"green", Green, "\033[32m"},
		{"yellow", Yellow, "\033[33m"},
		{"red", Red, "\033[31m"},
		{"bold", Bold, "\033[1m"},
		{"cyan", Cyan, "\033[36m"},
		{"dim", Dim, "\033[2m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn("online")
			if !strings.HasPrefix(got, tt.code) {
				t.Errorf("%s(%q) = %q, want prefix %q", tt.name, "online", got, tt.code)
			}
			if !strings.HasSuffix(got, "\033[0m") {
				t.Errorf("%s(%q) = %q, want reset suffix", tt.name, "online", got)
			}
			if !strings.Contains(got, "online") {
				t.Errorf("%s lost its text: %q", tt.name, got)
			}
		})
	}
}

func TestColors_Disabled(t *testing.T) {
	old := colorEnabled
	colorEnabled = false
	defer func() { colorEnabled = old }()

	for _, fn := range []func(string) string{Green, Yellow, Red, Bold, Cyan, Dim} {
		if got := fn("offline"); got != "offline" {
			t.Errorf("with colors disabled got %q, want plain text", got)
		}
	}
}

func TestDotPad(t *testing.T) {
	tests := []struct {
		name  string
		width int
		want  string
	}{
		{"battery", 12, "battery ...."},
		{"battery", 0, "battery"},
		{"battery", 7, "battery"},
		{"battery", 8, "battery"},
		{"ok", 5, "ok .."},
	}
	for _, tt := range tests {
		if got := DotPad(tt.name, tt.width); got != tt.want {
			t.Errorf("DotPad(%q, %d) = %q, want %q", tt.name, tt.width, got, tt.want)
		}
	}
}
