package segmenter

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func TestSegment_Empty(t *testing.T) {
	assert.Empty(t, Segment("", Options{}))
	assert.Empty(t, Segment("\n\n   \n\n\t", Options{}))
}

func TestSegment_PacksParagraphs(t *testing.T) {
	text := "alpha\n\nbravo\n\ncharlie"
	chunks := Segment(text, Options{TargetSize: 14, Source: "doc-1"})

	require.Len(t, chunks, 2)
	assert.Equal(t, "alpha\n\nbravo", chunks[0].Text)
	assert.Equal(t, 12, chunks[0].CharCount)
	assert.Equal(t, "charlie", chunks[1].Text)
	for i, c := range chunks {
		assert.Equal(t, i, c.Sequence)
		assert.Equal(t, "doc-1", c.SourceDocumentID)
	}
}

func TestSegment_OversizedParagraphStandsAlone(t *testing.T) {
	long := strings.Repeat("x", 40)
	chunks := Segment("short\n\n"+long+"\n\ntail", Options{TargetSize: 10})

	require.Len(t, chunks, 3)
	assert.Equal(t, "short", chunks[0].Text)
	assert.Equal(t, long, chunks[1].Text)
	assert.Equal(t, "tail", chunks[2].Text)
}

func TestSegment_CountsCharactersNotBytes(t *testing.T) {
	text := "用户登录\n\n用户注册\n\n密码找回"
	chunks := Segment(text, Options{TargetSize: 10})

	require.Len(t, chunks, 2)
	assert.Equal(t, "用户登录\n\n用户注册", chunks[0].Text)
	assert.Equal(t, 10, chunks[0].CharCount)
}

func TestSegment_Defaults(t *testing.T) {
	text := strings.Repeat("word ", 90) + "\n\n" + strings.Repeat("more ", 90)
	chunks := Segment(text, Options{})
	require.Len(t, chunks, 2, "two 449-char paragraphs cannot share a 500-char chunk")
}

// Reconstruction and size bound hold for arbitrary paragraph layouts.
func TestSegment_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	words := []string{"login", "需求", "flow", "entity", "边界", "error", "x"}

	for iter := 0; iter < 200; iter++ {
		var paras []string
		for p := 0; p < rng.Intn(12); p++ {
			var sb strings.Builder
			for w := 0; w < rng.Intn(30); w++ {
				sb.WriteString(words[rng.Intn(len(words))])
				sb.WriteString(" ")
			}
			paras = append(paras, sb.String())
		}
		text := strings.Join(paras, "\n\n")
		target := 20 + rng.Intn(200)

		chunks := Segment(text, Options{TargetSize: target})

		var rebuilt []string
		for _, c := range chunks {
			rebuilt = append(rebuilt, paragraphs(c.Text)...)
			assert.Equal(t, utf8.RuneCountInString(c.Text), c.CharCount)
			if c.CharCount > target {
				assert.Len(t, paragraphs(c.Text), 1, "only a lone oversized paragraph may exceed the target")
			}
		}
		assert.Equal(t, paragraphs(text), rebuilt)
	}
}

func TestTexts(t *testing.T) {
	chunks := Segment("a\n\nb", Options{TargetSize: 1})
	assert.Equal(t, []string{"a", "b"}, Texts(chunks))
}
