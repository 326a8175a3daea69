package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

const policyDoc = `# FinGuard Policies

## Refunds
Refunds for card purchases are credited within 5 to 7 business days after approval.

## Short
Too short.

## Disputes
Customers may dispute a transaction within 60 days of the statement date.
`

func TestChunkSections(t *testing.T) {
	chunks := ChunkSections(policyDoc, MinChunkChars)

	assert.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0], "## Refunds"))
	assert.True(t, strings.HasPrefix(chunks[1], "## Disputes"))
	assert.Contains(t, chunks[1], "60 days")
}

func TestChunkSections_PreambleKeptWhenLongEnough(t *testing.T) {
	doc := "FinGuard protects every account with real-time fraud monitoring and alerts.\n## Next\nshort"
	chunks := ChunkSections(doc, MinChunkChars)
	assert.Equal(t, []string{"FinGuard protects every account with real-time fraud monitoring and alerts."}, chunks)
}

func TestChunkSections_Empty(t *testing.T) {
	assert.Empty(t, ChunkSections("", MinChunkChars))
	assert.Empty(t, ChunkSections("## A\n## B\n", MinChunkChars))
}

func TestChunkSections_AllChunksLongerThanMin(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`(## [a-z]{1,8}\n[a-z ]{0,120}\n){0,6}`).Draw(t, "text")
		minLen := rapid.IntRange(0, 80).Draw(t, "min")
		for _, c := range ChunkSections(text, minLen) {
			if len(c) <= minLen {
				t.Fatalf("chunk %q not longer than %d", c, minLen)
			}
		}
	})
}

func TestChunkParagraphs(t *testing.T) {
	text := "alpha one\n\nbeta two\n\n\n\ngamma three"
	assert.Equal(t, []string{"alpha one\n\nbeta two", "gamma three"}, ChunkParagraphs(text, 20))
	assert.Equal(t, []string{"alpha one", "beta two", "gamma three"}, ChunkParagraphs(text, 5))
	assert.Empty(t, ChunkParagraphs("  \n\n ", 10))
}
