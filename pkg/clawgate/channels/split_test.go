package channels

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf16"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{"empty", "", 10, nil},
		{"fits", "hello", 10, []string{"hello"}},
		{"no limit", "hello", 0, []string{"hello"}},
		{"cut at space", "aaaa bbbb cccc", 10, []string{"aaaa bbbb", "cccc"}},
		{"prefers newline", "line one\nline two three", 15, []string{"line one", "line two three"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"multibyte", "ééééé", 2, []string{"éé", "éé", "é"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitText(tt.text, tt.maxLen)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitText(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSplitText_RespectsLimit(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("word ", 900) + strings.Repeat("x", 5000)
	for _, chunk := range SplitText(text, 2000) {
		if n := utf8.RuneCountInString(chunk); n > 2000 {
			t.Fatalf("chunk has %d runes, want <= 2000", n)
		}
		if chunk == "" {
			t.Fatal("empty chunk")
		}
	}
}

func TestSplitUTF16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{"bmp counts once", "ééé", 3, []string{"ééé"}},
		{"astral counts twice", "😀😀😀", 4, []string{"😀😀", "😀"}},
		{"oversized rune alone", "😀a", 1, []string{"😀", "a"}},
		{"mixed at space", "ab 😀😀", 5, []string{"ab", "😀😀"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitUTF16(tt.text, tt.maxLen)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitUTF16(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSplitUTF16_RespectsLimit(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("😀 ", 3000)
	chunks := SplitUTF16(text, 4096)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}
	for _, chunk := range chunks {
		if n := len(utf16.Encode([]rune(chunk))); n > 4096 {
			t.Fatalf("chunk has %d UTF-16 units, want <= 4096", n)
		}
	}
}
