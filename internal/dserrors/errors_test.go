package dserrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestToCachedErrorPreservesDeclaredCode(t *testing.T) {
	orig := NewCachedError(CodeSplitNotFound, "no such split", nil)
	got := ToCachedError(orig)
	if got.Code != CodeSplitNotFound {
		t.Fatalf("expected code preserved, got %v", got.Code)
	}
}

func TestToCachedErrorMapsUnknownToUnexpected(t *testing.T) {
	got := ToCachedError(errors.New("boom"))
	if got.Code != CodeUnexpected {
		t.Fatalf("expected Unexpected, got %v", got.Code)
	}
	if !errors.Is(got, got) {
		t.Fatal("self-Is should hold")
	}
}

func TestToCachedErrorMapsTooBigContent(t *testing.T) {
	err := &TooBigContentError{SizeBytes: 100, MaxBytes: 10}
	got := ToCachedError(err)
	if got.Code != CodeTooBigContent {
		t.Fatalf("expected TooBigContent, got %v", got.Code)
	}
}

func TestResponseNotReadyIs500ByConvention(t *testing.T) {
	if CodeResponseNotReady.HTTPStatus() != http.StatusInternalServerError {
		t.Fatalf("ResponseNotReady must map to 500 by the documented convention")
	}
}

func TestDefaultRetryableContainsClientConnectionError(t *testing.T) {
	if !DefaultRetryable()[CodeClientConnectionError] {
		t.Fatal("ClientConnectionError must be retryable by default")
	}
}
