package llm

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns a byte stream into UTF-8 text chunk by chunk. A multi-byte
// character split across two chunks is held back until its tail arrives.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

// Decode returns the text that is complete so far. With atEOF set, any held
// back bytes are flushed as U+FFFD.
func (d *textDecoder) Decode(chunk []byte, atEOF bool) string {
	src := make([]byte, 0, len(d.pending)+len(chunk))
	src = append(src, d.pending...)
	src = append(src, chunk...)
	d.pending = d.pending[:0]

	// invalid bytes expand to a 3-byte replacement rune
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	out := make([]byte, 0, len(src))
	for len(src) > 0 {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		if err == transform.ErrShortDst && (nDst > 0 || nSrc > 0) {
			continue
		}
		break
	}
	d.pending = append(d.pending, src...)
	return string(out)
}
