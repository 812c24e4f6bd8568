// Package processor turns raw source content into normalized, retrievable
// chunks. It also extracts plain text from uploads and fetched HTML.
package processor

import "strings"

// Normalize cleans extracted text before chunking: horizontal whitespace
// runs collapse to a single space, line edges are trimmed, and blank-line
// runs cap at one empty line. Deterministic for identical input.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blankRun := 0
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
