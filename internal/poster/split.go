package poster

import (
	"strings"
	"unicode/utf8"
)

// minSplitIndex guards against degenerate early breaks: a candidate break
// point below this index is ignored in favor of a longer chunk.
const minSplitIndex = 200

// SplitMessage breaks body into chunks no longer than maxLen runes of
// bytes-as-written, preferring to break at paragraph boundaries, then
// line breaks, then spaces. A hard cut at maxLen is the last resort.
// Order and content are preserved: joining the chunks with the separator
// they were cut at reconstructs the original text.
func SplitMessage(body string, maxLen int) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if maxLen <= 0 || len(body) <= maxLen {
		return []string{body}
	}

	var chunks []string
	rest := body
	for len(rest) > maxLen {
		window := rest[:maxLen]
		cut := -1
		drop := 0
		for _, sep := range []string{"\n\n", "\n", " "} {
			if idx := strings.LastIndex(window, sep); idx > minSplitIndex {
				cut = idx
				drop = len(sep)
				break
			}
		}
		if cut == -1 {
			// Hard cut: back off to a rune boundary so a multibyte
			// character is never sliced in half.
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				// A single rune wider than maxLen; emit it whole.
				_, cut = utf8.DecodeRuneInString(rest)
			}
		}
		chunk := strings.TrimSpace(rest[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimSpace(rest[cut+drop:])
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
