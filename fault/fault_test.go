package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", Transient(errors.New("connection refused")), KindTransient},
		{"permanent", Permanent(errors.New("bad input")), KindPermanent},
		{"disabled", Disabled("github integration disabled"), KindDisabled},
		{"fatal", Fatal(errors.New("corrupt payload")), KindFatal},
		{"unclassified defaults to transient", errors.New("who knows"), KindTransient},
		{"wrapped keeps kind", fmt.Errorf("outer: %w", Permanent(errors.New("inner"))), KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNilPassthrough(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) should be nil")
	}
}

func TestReason(t *testing.T) {
	err := Disabled("vector store disabled")
	if got := Reason(err); got != "vector store disabled" {
		t.Errorf("Reason() = %q", got)
	}
	plain := errors.New("plain")
	if got := Reason(plain); got != "plain" {
		t.Errorf("Reason() = %q", got)
	}
}

func TestIsHelpers(t *testing.T) {
	if !IsDisabled(Disabled("off")) {
		t.Error("IsDisabled should be true")
	}
	if IsDisabled(Transient(errors.New("x"))) {
		t.Error("IsDisabled should be false for transient")
	}
	if !IsTransient(errors.New("unclassified")) {
		t.Error("unclassified errors are transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}
