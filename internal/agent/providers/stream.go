package providers

import (
	"strings"
	"unicode/utf8"
)

// blockFlushRunes is how much new text accumulates before another block reply
// is emitted. Live edits are rate limited per platform, so flushing on every
// delta would only queue redundant edits behind the limiter.
const blockFlushRunes = 80

// streamBuffer accumulates streamed text deltas and decides when the output
// has grown enough to justify another live edit. Block replies always carry
// the full accumulated text, never a bare delta, because each one replaces
// the live message wholesale.
type streamBuffer struct {
	full    strings.Builder
	pending int // runes accumulated since the last flush
}

// add appends a delta. It returns the full accumulated text and true when a
// block reply should be emitted now.
func (b *streamBuffer) add(delta string) (string, bool) {
	b.full.WriteString(delta)
	b.pending += utf8.RuneCountInString(delta)
	if b.pending >= blockFlushRunes || strings.Contains(delta, "\n") {
		b.pending = 0
		return b.full.String(), true
	}
	return "", false
}

// text returns everything accumulated so far.
func (b *streamBuffer) text() string {
	return b.full.String()
}
