// Package chunk splits oversized message text into channel-sized fragments
// while preserving code fences and paragraph structure.
//
// The splitter is pure and deterministic. Every Chunk.Body is an exact
// byte slice of the source text: concatenating the bodies of all chunks
// reproduces the input unchanged. Navigation markers and re-wrapped fence
// tags are decoration added at render time, never part of Body.
package chunk

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// markerReserve is the space held back in every chunk for the rendered
// "[i/total]" navigation line.
const markerReserve = 16

// minMaxSize is the smallest workable chunk size: marker plus fence
// decoration plus room for at least one line of content.
const minMaxSize = 64

// ErrTooSmall reports a max size that cannot hold marker and fence
// decoration alongside any content.
var ErrTooSmall = errors.New("chunk: max size too small")

// Chunk is one size-bounded fragment of a message.
type Chunk struct {
	Index int    // zero-based position in the sequence
	Total int    // number of chunks produced for the source text
	Body  string // raw source bytes, exactly as they appeared in the input

	// IsCodeFence marks a fragment cut from the interior of an oversized
	// fenced code block. Such fragments are re-wrapped at render time so
	// each message renders as a complete fence.
	IsCodeFence bool
	FenceTag    string // language tag for re-wrapping (may be empty)
	OpenFence   bool   // inject an opening fence line before Body
	CloseFence  bool   // inject a closing fence line after Body
}

// Render produces the channel message for the chunk: navigation marker
// (only when the sequence has more than one chunk), fence decoration, and
// the raw body.
func (c Chunk) Render() string {
	var b strings.Builder
	if c.Total > 1 {
		fmt.Fprintf(&b, "[%d/%d]\n", c.Index+1, c.Total)
	}
	if c.OpenFence {
		b.WriteString("```")
		b.WriteString(c.FenceTag)
		b.WriteString("\n")
	}
	b.WriteString(c.Body)
	if c.CloseFence {
		if !strings.HasSuffix(c.Body, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("```")
	}
	return b.String()
}

// Split cuts text into an ordered sequence of chunks whose rendered form
// never exceeds maxSize bytes. Boundary priority: fenced code blocks are
// kept intact when they fit; otherwise text is cut at paragraph breaks,
// then sentence ends, then line breaks, and as a last resort at a hard
// byte boundary (aligned to a rune).
func Split(text string, maxSize int) ([]Chunk, error) {
	if maxSize < minMaxSize {
		return nil, fmt.Errorf("%w: %d (minimum %d)", ErrTooSmall, maxSize, minMaxSize)
	}

	// Fast path: fits in a single message, no marker needed. This also
	// covers empty input (a single empty chunk) and input exactly at the
	// limit.
	if len(text) <= maxSize {
		return []Chunk{{Index: 0, Total: 1, Body: text}}, nil
	}

	avail := maxSize - markerReserve

	var chunks []Chunk
	var cur strings.Builder

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{Body: cur.String()})
		cur.Reset()
	}

	for _, seg := range splitFences(text) {
		if seg.fence {
			if len(seg.body) <= avail {
				// Whole fence fits: pack it like any other piece.
				if cur.Len()+len(seg.body) > avail {
					flush()
				}
				cur.WriteString(seg.body)
				continue
			}
			// Oversized fence: emit standalone re-wrapped fragments.
			flush()
			chunks = append(chunks, splitFenceBlock(seg, avail)...)
			continue
		}

		for _, piece := range splitText(seg.body, avail) {
			if cur.Len()+len(piece) > avail {
				flush()
			}
			cur.WriteString(piece)
		}
	}
	flush()

	total := len(chunks)
	for i := range chunks {
		chunks[i].Index = i
		chunks[i].Total = total
	}
	return chunks, nil
}

// Join reassembles the original text from a chunk sequence.
func Join(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Body)
	}
	return b.String()
}

// segment is a run of source text that is either entirely inside a fenced
// code block (fence lines included) or entirely outside one.
type segment struct {
	body  string
	fence bool
	tag   string // language tag from the opening fence line
}

// splitFences partitions text into alternating plain and fence segments.
// Segments are index slices of the input; nothing is trimmed or dropped.
// An unterminated fence extends to the end of the input.
func splitFences(text string) []segment {
	var segs []segment
	start := 0
	inFence := false
	tag := ""
	pos := 0

	for pos < len(text) {
		lineEnd := strings.IndexByte(text[pos:], '\n')
		var next int
		var line string
		if lineEnd < 0 {
			line = text[pos:]
			next = len(text)
		} else {
			line = text[pos : pos+lineEnd]
			next = pos + lineEnd + 1
		}

		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "```") {
			if !inFence {
				// Close the plain segment before the fence opens.
				if pos > start {
					segs = append(segs, segment{body: text[start:pos]})
				}
				start = pos
				inFence = true
				tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimLeft(line, " \t"), "```"))
			} else {
				// Fence closes at the end of this line.
				segs = append(segs, segment{body: text[start:next], fence: true, tag: tag})
				start = next
				inFence = false
				tag = ""
			}
		}
		pos = next
	}

	if start < len(text) {
		segs = append(segs, segment{body: text[start:], fence: inFence, tag: tag})
	}
	return segs
}

// splitFenceBlock cuts an oversized fence segment at interior line
// boundaries and marks each fragment for re-wrapping so every chunk
// renders as a complete, independently readable fence.
func splitFenceBlock(seg segment, avail int) []Chunk {
	// Language tags longer than any real language name are junk; dropping
	// them keeps the re-wrap overhead bounded.
	tag := seg.tag
	if len(tag) > 16 {
		tag = ""
	}
	// Room for the injected "```tag\n" and "\n```" decoration.
	overhead := 3 + len(tag) + 1 + 4
	room := avail - overhead
	if room < 1 {
		room = 1
	}

	pieces := splitLines(seg.body, room)
	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		c := Chunk{
			Body:        p,
			IsCodeFence: true,
			FenceTag:    tag,
		}
		// The first fragment already carries the source's opening fence
		// line; the last carries the closing one (unless the fence was
		// unterminated, in which case the render closes it).
		if i > 0 {
			c.OpenFence = true
		}
		if i < len(pieces)-1 {
			c.CloseFence = true
		} else if !fenceTerminated(seg.body) {
			c.CloseFence = true
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// fenceTerminated reports whether a fence segment ends with its closing
// fence line.
func fenceTerminated(body string) bool {
	trimmed := strings.TrimRight(body, "\n")
	idx := strings.LastIndexByte(trimmed, '\n')
	last := trimmed[idx+1:]
	return idx >= 0 && strings.TrimSpace(last) == "```"
}

// splitText cuts plain text into pieces no longer than avail, trying
// paragraph breaks first, then sentence ends, then line breaks, then a
// hard cut. Pieces are index slices of the input and include their
// trailing separator bytes so reassembly is exact.
func splitText(text string, avail int) []string {
	var pieces []string
	for _, para := range cutAfter(text, "\n\n") {
		if len(para) <= avail {
			pieces = append(pieces, para)
			continue
		}
		for _, sent := range cutSentences(para) {
			if len(sent) <= avail {
				pieces = append(pieces, sent)
				continue
			}
			pieces = append(pieces, splitLines(sent, avail)...)
		}
	}
	return pieces
}

// splitLines cuts text at line boundaries into pieces no longer than
// avail, hard-cutting any single line that exceeds it on its own.
func splitLines(text string, avail int) []string {
	var pieces []string
	var cur int // start of the piece being built
	pos := 0

	emit := func(end int) {
		if end > cur {
			pieces = append(pieces, text[cur:end])
		}
		cur = end
	}

	for pos < len(text) {
		lineEnd := strings.IndexByte(text[pos:], '\n')
		var next int
		if lineEnd < 0 {
			next = len(text)
		} else {
			next = pos + lineEnd + 1
		}

		if next-cur > avail {
			emit(pos)
			// A single line longer than avail gets hard-cut.
			for next-cur > avail {
				emit(cur + runeAlignedCut(text[cur:next], avail))
			}
		}
		pos = next
	}
	emit(len(text))
	return pieces
}

// cutAfter splits s into pieces, each ending just after an occurrence of
// sep (the final piece may not). Separator bytes stay with the preceding
// piece.
func cutAfter(s, sep string) []string {
	var out []string
	start := 0
	for {
		idx := strings.Index(s[start:], sep)
		if idx < 0 {
			break
		}
		end := start + idx + len(sep)
		// Absorb any extra blank lines into the same piece.
		for end < len(s) && s[end] == '\n' {
			end++
		}
		out = append(out, s[start:end])
		start = end
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// cutSentences splits text just after sentence-ending punctuation
// followed by whitespace. The whitespace stays with the preceding piece.
func cutSentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n') {
				j++
			}
			if j > i+1 {
				out = append(out, s[start:j])
				start = j
				i = j - 1
			}
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// runeAlignedCut returns the largest cut point <= max that does not split
// a UTF-8 sequence. Always returns at least 1 so progress is guaranteed.
func runeAlignedCut(s string, max int) int {
	if len(s) <= max {
		return len(s)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return cut
}
