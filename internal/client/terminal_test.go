package client

import "testing"

func TestTerminalText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"line1\nline2\tx", "line1 line2 x"},
		{"\x1b[31mred\x1b[0m", "[31mred[0m"},
		{"bell\a", "bell"},
		{"\U0001F44D\U0001F3FB", "\U0001F44D"},
		{"\u2764\ufe0f", "\u2764"},
		{"a\u200db", "ab"},
		{"bad\xffbyte", "badbyte"},
		{"olá mundo", "olá mundo"},
	}
	for _, tt := range tests {
		if got := TerminalText(tt.in); got != tt.want {
			t.Errorf("TerminalText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
