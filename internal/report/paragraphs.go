package report

import (
	"iter"
	"strings"
)

// Paragraphs decomposes report text into a lazy, finite, restartable
// sequence of display paragraphs: split on line breaks, empty trailing
// segments dropped. Interior blank lines survive so spacing renders as the
// model wrote it.
func Paragraphs(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		normalized := strings.ReplaceAll(text, "\r\n", "\n")
		normalized = strings.TrimRight(normalized, "\n")
		if normalized == "" {
			return
		}
		for _, paragraph := range strings.Split(normalized, "\n") {
			if !yield(paragraph) {
				return
			}
		}
	}
}
