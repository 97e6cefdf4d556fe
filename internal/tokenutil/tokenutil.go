// Package tokenutil approximates token counts for message content whose
// session log line carries no usage record.
package tokenutil

import "strings"

const (
	tokensPerWord = 1.33 // average for English prose
	bytesPerToken = 4    // floor for code and non-whitespace-delimited text
)

// EstimateTokens returns a token estimate for flattened message content.
// Word count drives the estimate; the byte-length floor keeps dense content
// (code, CJK) from under-counting.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(content))) * tokensPerWord)
	byBytes := len(content) / bytesPerToken
	if byBytes > byWords {
		return byBytes
	}
	return byWords
}
