package channels

import (
	"strings"
	"unicode"
	"unicode/utf16"
)

// SplitText breaks text into chunks of at most maxLen runes. A chunk is cut
// at the last newline past half of the limit, then at the last whitespace,
// and only as a last resort mid-word. Empty text yields no chunks.
func SplitText(text string, maxLen int) []string {
	return SplitTextFunc(text, maxLen, func(rune) int { return 1 })
}

// SplitUTF16 is SplitText for platforms that measure messages in UTF-16
// code units, where a rune outside the BMP counts twice.
func SplitUTF16(text string, maxLen int) []string {
	return SplitTextFunc(text, maxLen, func(r rune) int {
		if n := utf16.RuneLen(r); n > 0 {
			return n
		}
		return 1
	})
}

// SplitTextFunc is SplitText with the length of each rune given by size.
// A single rune longer than maxLen still makes a chunk of its own.
func SplitTextFunc(text string, maxLen int, size func(rune) int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if maxLen <= 0 || fits(runes, maxLen, size) == len(runes) {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		n := fits(runes, maxLen, size)
		if n == len(runes) {
			chunks = append(chunks, string(runes))
			break
		}

		cut := cutPoint(runes[:n])
		chunk := strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = trimLeadingNewlines(runes[cut:])
	}
	return chunks
}

// fits returns how many leading runes fit in maxLen, at least one.
func fits(runes []rune, maxLen int, size func(rune) int) int {
	total := 0
	for i, r := range runes {
		total += size(r)
		if total > maxLen {
			return max(i, 1)
		}
	}
	return len(runes)
}

func cutPoint(window []rune) int {
	half := len(window) / 2
	for i := len(window) - 1; i >= half; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	for i := len(window) - 1; i >= half; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}

func trimLeadingNewlines(r []rune) []rune {
	for len(r) > 0 && (r[0] == '\n' || r[0] == '\r') {
		r = r[1:]
	}
	return r
}
