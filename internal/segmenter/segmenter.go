// Package segmenter splits document text into paragraph-aligned chunks.
package segmenter

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultTargetSize is the default chunk size in characters.
	DefaultTargetSize = 500
	// DefaultOverlap is the default overlap hint in characters.
	DefaultOverlap = 50

	paragraphSep = "\n\n"
	sepLen       = len(paragraphSep)
)

// Chunk is one segment of a document. Its identity is
// (SourceDocumentID, Sequence).
type Chunk struct {
	Sequence         int    `json:"sequence_number"`
	Text             string `json:"text"`
	CharCount        int    `json:"char_count"`
	SourceDocumentID string `json:"source_document_id"`
}

// Options controls segmentation.
type Options struct {
	// TargetSize bounds chunk length in characters. A paragraph longer
	// than TargetSize becomes a chunk of its own.
	TargetSize int
	// Overlap is recorded for callers that tune chunk boundaries; chunks
	// never repeat text from the previous chunk.
	Overlap int
	// Source is copied into every chunk's SourceDocumentID.
	Source string
}

func (o Options) withDefaults() Options {
	if o.TargetSize <= 0 {
		o.TargetSize = DefaultTargetSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	return o
}

// Segment splits text on blank lines and packs whole paragraphs into chunks
// of at most TargetSize characters, separators included. A buffer is flushed
// when the next paragraph would push it past TargetSize, and the new buffer
// starts with that paragraph. Blank paragraphs are skipped. Empty input yields nil.
func Segment(text string, opts Options) []Chunk {
	opts = opts.withDefaults()

	var (
		chunks []Chunk
		buf    strings.Builder
		bufLen int
	)
	flush := func() {
		if bufLen == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Sequence:         len(chunks),
			Text:             buf.String(),
			CharCount:        bufLen,
			SourceDocumentID: opts.Source,
		})
		buf.Reset()
		bufLen = 0
	}

	for _, para := range strings.Split(text, paragraphSep) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := utf8.RuneCountInString(para)

		if bufLen > 0 && bufLen+sepLen+n > opts.TargetSize {
			flush()
		}
		if bufLen > 0 {
			buf.WriteString(paragraphSep)
			bufLen += sepLen
		}
		buf.WriteString(para)
		bufLen += n
	}
	flush()

	return chunks
}

// Texts returns the chunk texts in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
