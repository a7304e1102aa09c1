package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(CodePersistence, "append history", stderrors.New("disk full"))
	wrapped := fmt.Errorf("submit: %w", err)

	if !stderrors.Is(wrapped, ErrPersistence) {
		t.Fatal("expected wrapped error to match ErrPersistence")
	}
	if stderrors.Is(wrapped, ErrConflict) {
		t.Fatal("did not expect match on a different code")
	}
	if GetCode(wrapped) != CodePersistence {
		t.Fatalf("expected PERSISTENCE, got %s", GetCode(wrapped))
	}
	if GetCode(stderrors.New("plain")) != CodeUnknown {
		t.Fatal("expected UNKNOWN for plain errors")
	}
}

func TestErrorMessage(t *testing.T) {
	if got := New(CodeConflict, "snapshot exists").Error(); got != "snapshot exists" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := ErrNotFound.Error(); got != "NOT_FOUND" {
		t.Fatalf("unexpected sentinel message %q", got)
	}
	if got := Wrap(CodePersistence, "commit", stderrors.New("io")).Error(); got != "commit: io" {
		t.Fatalf("unexpected wrapped message %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:     http.StatusBadRequest,
		CodeNotFound:       http.StatusNotFound,
		CodeConflict:       http.StatusConflict,
		CodeParseExhausted: http.StatusBadGateway,
		CodePersistence:    http.StatusServiceUnavailable,
		CodeCorrupted:      http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := code.HTTPStatus(); got != want {
			t.Errorf("%s: got %d want %d", code, got, want)
		}
	}
}
