package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesVenueAndCode(t *testing.T) {
	err := New(
		"binance",
		CodeExchange,
		WithHTTP(502),
		WithMessage("subscribe frame rejected"),
		WithRawCode("-1121"),
		WithRawMessage("Invalid symbol."),
		WithCause(errors.New("websocket: close 1006")),
	)

	out := err.Error()
	if !strings.Contains(out, "venue=binance") {
		t.Fatalf("expected venue marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=exchange_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=502") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"-1121\"") {
		t.Fatalf("expected raw code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"websocket: close 1006\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("bybit", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to match the wrapped cause")
	}
}

func TestEmptyVenueRendersUnknown(t *testing.T) {
	err := New("  ", CodeParse)
	if !strings.Contains(err.Error(), "venue=unknown") {
		t.Fatalf("expected unknown venue marker: %s", err.Error())
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
