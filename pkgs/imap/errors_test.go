package imap

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRecycleTypedErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"connection failed", &ConnectionFailedError{Reason: "dial", Cause: errors.New("x")}, true},
		{"timeout", &TimeoutError{Op: "greeting"}, true},
		{"parse error", &ParseError{Reason: "bad literal"}, true},
		{"canceled", ErrCanceled(), false},
		{"command failed", &CommandFailedError{Command: "select", State: StateNO, Text: "no"}, false},
		{"nil", nil, false},
	}
	for _, c := range cases {
		if got := ShouldRecycle(c.err); got != c.want {
			t.Errorf("%s: ShouldRecycle() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestShouldRecycleTransportPhraseMatch(t *testing.T) {
	err := fmt.Errorf("write: %w", errors.New("broken pipe"))
	if !ShouldRecycle(err) {
		t.Fatal("expected a broken-pipe error to trigger recycle")
	}
}

func TestShouldRecycleWrappedTyped(t *testing.T) {
	err := fmt.Errorf("select failed: %w", &TimeoutError{Op: "select"})
	if !ShouldRecycle(err) {
		t.Fatal("expected a wrapped TimeoutError to still be recognized via errors.As")
	}
}

func TestConnectionFailedErrorUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := &ConnectionFailedError{Reason: "dial example.com:993", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through ConnectionFailedError to its cause")
	}
}
