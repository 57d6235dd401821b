package imap

import (
	"fmt"

	"github.com/emx-mail/cli/pkgs/imap/wire"
)

// commandBuilder assembles the wire.Part list for one tagged command. It is
// a thin convenience over string concatenation, grounded on the same
// "build up a command buffer, then hand it to the encoder" shape the
// teacher's config/event packages use for JSON payloads (build, then emit).
type commandBuilder struct {
	parts []wire.Part
	buf   []byte
}

func newCommandBuilder(tag, verb string) *commandBuilder {
	b := &commandBuilder{}
	b.text(tag + " " + verb)
	return b
}

func (b *commandBuilder) text(s string) *commandBuilder {
	b.buf = append(b.buf, s...)
	return b
}

func (b *commandBuilder) space() *commandBuilder { return b.text(" ") }

func (b *commandBuilder) atom(s string) *commandBuilder { return b.text(s) }

func (b *commandBuilder) quoted(s string) *commandBuilder {
	escaped := make([]byte, 0, len(s)+2)
	escaped = append(escaped, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, s[i])
	}
	escaped = append(escaped, '"')
	b.buf = append(b.buf, escaped...)
	return b
}

func (b *commandBuilder) literal(data []byte) *commandBuilder {
	b.flushText()
	b.parts = append(b.parts, wire.Part{Literal: data})
	return b
}

func (b *commandBuilder) flushText() {
	if len(b.buf) > 0 {
		b.parts = append(b.parts, wire.Part{Text: string(b.buf)})
		b.buf = nil
	}
}

func (b *commandBuilder) finish() []wire.Part {
	b.text("\r\n")
	b.flushText()
	return b.parts
}

// tagGenerator issues strictly monotonically increasing command tags
// (§3's "Command tags are strictly monotonically increasing per
// connection"), formatted as "A" + zero-padded counter per §4.5 step 5.
type tagGenerator struct {
	next uint64
}

func (g *tagGenerator) Next() string {
	g.next++
	return fmt.Sprintf("A%04d", g.next)
}
