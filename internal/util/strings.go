package util

import "unicode/utf8"

// TruncateTail keeps at most max bytes from the end of s, never splitting a
// UTF-8 sequence. Tool diagnostics put the interesting part last.
func TruncateTail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
