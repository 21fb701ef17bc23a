package llm

// Token estimation heuristics, calibrated against the Claude vision family.
// The batch planner composes these; the constants are deliberately
// conservative so estimated batches stay under provider limits.
const (
	// imageBaseTokens is the fixed per-image overhead charged by vision
	// models regardless of resolution.
	imageBaseTokens = 850

	// imageBytesPerToken approximates the marginal token cost of image
	// payload size after the base overhead.
	imageBytesPerToken = 600

	// textBytesPerToken approximates UTF-8 text tokenization. CJK rubrics
	// run denser than English; 3 bytes/token splits the difference.
	textBytesPerToken = 3
)

// EstimateImageTokens estimates the prompt tokens one image of the given
// byte size will consume.
func EstimateImageTokens(byteLen int) int {
	if byteLen <= 0 {
		return imageBaseTokens
	}
	return imageBaseTokens + byteLen/imageBytesPerToken
}

// EstimateTextTokens estimates tokens for a UTF-8 text of the given byte size.
func EstimateTextTokens(byteLen int) int {
	if byteLen <= 0 {
		return 0
	}
	n := byteLen / textBytesPerToken
	if n == 0 {
		n = 1
	}
	return n
}
