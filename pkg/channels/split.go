package channels

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into chunks no longer than limit bytes, preferring to
// cut on paragraph, line, and word boundaries, in that order. An open code
// fence pulls the cut back before the fence so a chunk never ends inside a
// code block. Used by adapters whose network caps message length.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := cutPoint(text, limit)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func cutPoint(text string, limit int) int {
	window := limit
	if fence := lastClosedFence(text, limit); fence > 0 {
		window = fence
	}

	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := strings.LastIndex(text[:window], sep); idx > 0 {
			return idx + len(sep)
		}
	}
	return runeBoundary(text, window)
}

// lastClosedFence returns the byte offset just past the last code fence that
// closes within the first limit bytes, but only when a fence is still open
// at the limit. Zero means no adjustment is needed.
func lastClosedFence(text string, limit int) int {
	open := false
	closed := 0
	for i := 0; i+3 <= len(text) && i < limit; {
		if !strings.HasPrefix(text[i:], "```") {
			i++
			continue
		}
		if open {
			end := i + 3
			if nl := strings.IndexByte(text[end:], '\n'); nl >= 0 {
				end += nl + 1
			}
			if end <= limit {
				closed = end
			}
			open = false
			i = end
			continue
		}
		open = true
		// skip the fence line so an info string is not rescanned
		if nl := strings.IndexByte(text[i:], '\n'); nl >= 0 {
			i += nl + 1
		} else {
			break
		}
	}
	if open {
		return closed
	}
	return 0
}

func runeBoundary(text string, at int) int {
	if at >= len(text) {
		return len(text)
	}
	for at > 0 && !utf8.RuneStart(text[at]) {
		at--
	}
	if at == 0 {
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	return at
}
