package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

type teapotError struct{}

func (teapotError) Error() string   { return "short and stout" }
func (teapotError) StatusCode() int { return http.StatusTeapot }

func TestNormalize(t *testing.T) {
	nf := NotFound("")
	wrapped := fmt.Errorf("lookup: %w", Forbidden("nope"))

	tests := []struct {
		name    string
		in      any
		kind    Kind
		status  int
		message string
	}{
		{"app error", nf, KindNotFound, 404, "Not Found"},
		{"wrapped app error", wrapped, KindForbidden, 403, "nope"},
		{"plain error", errors.New("boom"), KindInternal, 500, "boom"},
		{"status coder", teapotError{}, KindBadRequest, 418, "short and stout"},
		{"string panic", "kaput", KindInternal, 500, "kaput"},
		{"other value", 42, KindInternal, 500, "42"},
	}

	for _, tt := range tests {
		got := Normalize(tt.in)
		if got == nil {
			t.Fatalf("%s: Normalize returned nil", tt.name)
		}
		if got.Kind != tt.kind || got.Status != tt.status || got.Message != tt.message {
			t.Errorf("%s: got kind=%v status=%d msg=%q, want kind=%v status=%d msg=%q",
				tt.name, got.Kind, got.Status, got.Message, tt.kind, tt.status, tt.message)
		}
	}

	if Normalize(nil) != nil {
		t.Error("Normalize(nil) should be nil")
	}
}

func TestNotFoundAlwaysCarries404(t *testing.T) {
	if NotFound("missing").Status != http.StatusNotFound {
		t.Error("NotFound must carry 404")
	}
	if !errors.Is(NotFound("x"), ErrNotFound) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(BadRequest("x"), ErrNotFound) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestWithStatusClamps(t *testing.T) {
	if got := WithStatus(200, "ok?").Status; got != 500 {
		t.Errorf("expected 500 for non-error status, got %d", got)
	}
	if got := WithStatus(409, "conflict"); got.Status != 409 || got.Kind != KindBadRequest {
		t.Errorf("unexpected %+v", got)
	}
}

func TestFromPanicCapturesStack(t *testing.T) {
	var e *Error
	func() {
		defer func() { e = FromPanic(recover()) }()
		panic("exploded")
	}()

	if e.Message != "exploded" || e.Status != 500 {
		t.Fatalf("unexpected %+v", e)
	}
	if !strings.Contains(e.Stack(), "exploded") {
		t.Errorf("stack should mention the panic, got %q", e.Stack())
	}
}

func TestErrorCode(t *testing.T) {
	if got := NotFound("").ErrorCode(); got != "NOT_FOUND" {
		t.Errorf("got %q", got)
	}
	if got := NotFound("").WithCode("USER_MISSING").ErrorCode(); got != "USER_MISSING" {
		t.Errorf("got %q", got)
	}
	if !IsKind(fmt.Errorf("x: %w", AlreadyResponded("JSON")), KindAlreadyResponded) {
		t.Error("IsKind should see through wrapping")
	}
}
