package llm

import "regexp"

// tokenRe splits into whitespace runs, word runs and single punctuation
// marks. Word characters include any Unicode letter, mark or digit.
var tokenRe = regexp.MustCompile(`\s+|[\p{L}\p{M}\p{N}_]+|[^\p{L}\p{M}\p{N}_\s]`)

// Tokenize splits text for incremental delivery. Joining the tokens
// reproduces text exactly.
func Tokenize(text string) []string {
	return tokenRe.FindAllString(text, -1)
}
