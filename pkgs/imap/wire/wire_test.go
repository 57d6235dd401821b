package wire

import (
	"bytes"
	"strings"
	"testing"
)

func tokenTypes(toks []Token) []TokenType {
	out := make([]TokenType, len(toks))
	for i, t := range toks {
		out[i] = t.Type
	}
	return out
}

func TestDecoderReadLineAtoms(t *testing.T) {
	d := NewDecoder(strings.NewReader("* 42 EXISTS\r\n"), DefaultOptions())
	toks, err := d.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	want := []string{"*", "42", "EXISTS"}
	var got []string
	for _, tok := range toks {
		if tok.Type == TokAtom {
			got = append(got, tok.Text)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: got %q want %q", i, got[i], want[i])
		}
	}
	if toks[len(toks)-1].Type != TokLineEnd {
		t.Fatalf("last token should be TokLineEnd, got %v", toks[len(toks)-1].Type)
	}
}

func TestDecoderQuotedStringWithEscape(t *testing.T) {
	d := NewDecoder(strings.NewReader(`A1 OK "she said \"hi\""` + "\r\n"), DefaultOptions())
	toks, err := d.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	var quoted string
	for _, tok := range toks {
		if tok.Type == TokQuoted {
			quoted = tok.Text
		}
	}
	if quoted != `she said "hi"` {
		t.Fatalf("got %q", quoted)
	}
}

func TestDecoderLiteral(t *testing.T) {
	raw := "* 1 FETCH (BODY[] {5}\r\nhello)\r\n"
	d := NewDecoder(strings.NewReader(raw), DefaultOptions())
	toks, err := d.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	var gotLiteral []byte
	for _, tok := range toks {
		if tok.Type == TokLiteral {
			gotLiteral = tok.Bytes
		}
	}
	if string(gotLiteral) != "hello" {
		t.Fatalf("literal: got %q", gotLiteral)
	}
}

func TestDecoderNestedLists(t *testing.T) {
	d := NewDecoder(strings.NewReader("* FLAGS (\\Seen \\Answered (nested))\r\n"), DefaultOptions())
	toks, err := d.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	types := tokenTypes(toks)
	depth := 0
	maxDepth := 0
	for _, ty := range types {
		if ty == TokListStart {
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		}
		if ty == TokListEnd {
			depth--
		}
	}
	if depth != 0 {
		t.Fatalf("unbalanced lists, final depth %d", depth)
	}
	if maxDepth != 2 {
		t.Fatalf("expected nested depth 2, got %d", maxDepth)
	}
}

func TestDecoderLiteralSizeLimit(t *testing.T) {
	raw := "* 1 FETCH (BODY[] {100}\r\n" + strings.Repeat("x", 100) + ")\r\n"
	opts := DefaultOptions()
	opts.MaxLiteralSize = 10
	d := NewDecoder(strings.NewReader(raw), opts)
	_, err := d.ReadLine()
	if err == nil {
		t.Fatal("expected limit error")
	}
	if _, ok := err.(*LimitError); !ok {
		t.Fatalf("expected *LimitError, got %T: %v", err, err)
	}
}

func TestEncoderLiteralSync(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, false)
	rest, err := enc.WriteCommandAwaitContinuation([]Part{
		{Text: "A1 LOGIN "},
		{Literal: []byte("user")},
		{Text: " "},
		{Literal: []byte("pass")},
		{Text: "\r\n"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "A1 LOGIN {4}\r\n" {
		t.Fatalf("unexpected partial write: %q", buf.String())
	}
	if len(rest) != 4 {
		t.Fatalf("expected 4 remaining parts, got %d", len(rest))
	}
	rest, err = enc.WriteRemainder(rest)
	if err != nil {
		t.Fatalf("write remainder: %v", err)
	}
	if buf.String() != "A1 LOGIN {4}\r\nuser {4}\r\n" {
		t.Fatalf("unexpected after first remainder: %q", buf.String())
	}
	rest, err = enc.WriteRemainder(rest)
	if err != nil {
		t.Fatalf("write remainder 2: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected command fully flushed, got %d remaining parts", len(rest))
	}
	if buf.String() != "A1 LOGIN {4}\r\nuser {4}\r\npass\r\n" {
		t.Fatalf("final command mismatch: %q", buf.String())
	}
}

func TestEncoderLiteralPlus(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, true)
	rest, err := enc.WriteCommandAwaitContinuation([]Part{
		{Text: "A1 LOGIN "},
		{Literal: []byte("user")},
		{Text: "\r\n"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("LITERAL+ should not pause for continuation, got %d remaining", len(rest))
	}
	if buf.String() != "A1 LOGIN {4+}\r\nuser\r\n" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
