package pipeline

import "strings"

// MinChunkChars is the shortest section kept by ChunkSections.
const MinChunkChars = 50

// ChunkSections splits markdown-style text at lines starting with "##".
// Each chunk starts with its header line; trimmed chunks of minLen
// characters or fewer are dropped.
func ChunkSections(text string, minLen int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		c := strings.TrimSpace(current.String())
		if len(c) > minLen {
			chunks = append(chunks, c)
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "##") && current.Len() > 0 {
			flush()
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return chunks
}

// ChunkParagraphs packs blank-line separated paragraphs into chunks of at
// most maxChars. A single paragraph longer than maxChars becomes its own chunk.
func ChunkParagraphs(text string, maxChars int) []string {
	var chunks []string
	var current strings.Builder

	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len()+len(p) > maxChars && current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
