// Copyright 2025 James Ross
// Package dserrors implements the error taxonomy from spec.md §7: a
// closed set of named error codes, each with an HTTP status and a
// retryable flag, plus the CachedArtifactError / TooBigContentError /
// ResponseAlreadyComputedError sentinels steps use to signal outcomes
// the worker maps into a cache entry.
package dserrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one error code from the closed taxonomy.
type Code string

const (
	// Input
	CodeParameterMissing   Code = "ParameterMissing"
	CodeInvalidParameter   Code = "InvalidParameter"
	CodeDatasetInBlockList Code = "DatasetInBlockList"

	// Auth
	CodeExternalUnauthenticated Code = "ExternalUnauthenticated"
	CodeExternalAuthenticated   Code = "ExternalAuthenticated"

	// Availability
	CodeDatasetNotFound  Code = "DatasetNotFound"
	CodeConfigNotFound   Code = "ConfigNotFound"
	CodeSplitNotFound    Code = "SplitNotFound"
	CodeResponseNotFound Code = "ResponseNotFound"
	CodeResponseNotReady Code = "ResponseNotReady"

	// Transient
	CodeClientConnectionError Code = "ClientConnectionError"
	CodeNoGitRevisionError    Code = "NoGitRevisionError"

	// Capacity
	CodeTooBigContent             Code = "TooBigContent"
	CodeDatasetTooBigFromHub       Code = "DatasetTooBigFromHub"
	CodeDatasetTooBigFromDatasets  Code = "DatasetTooBigFromDatasets"

	// Internal
	CodePreviousStepFormatError              Code = "PreviousStepFormatError"
	CodeStatsComputationError                Code = "StatsComputationError"
	CodeJobRunnerCrashedError                Code = "JobRunnerCrashedError"
	CodeJobRunnerExceededMaximumDurationError Code = "JobRunnerExceededMaximumDurationError"
	CodeResponseAlreadyComputedError          Code = "ResponseAlreadyComputedError"
	CodeUnexpected                             Code = "Unexpected"
)

// httpStatus maps each code to the HTTP status the API surfaces for it.
// ResponseNotReady is, by the convention spec.md §7 calls out explicitly,
// reported as 500 rather than a 4xx/202 — preserved here even though it
// reads oddly, because on-demand backfill clients poll on that exact
// status today.
var httpStatus = map[Code]int{
	CodeParameterMissing:   http.StatusUnprocessableEntity,
	CodeInvalidParameter:   http.StatusUnprocessableEntity,
	CodeDatasetInBlockList: http.StatusNotFound,

	CodeExternalUnauthenticated: http.StatusUnauthorized,
	CodeExternalAuthenticated:   http.StatusForbidden,

	CodeDatasetNotFound:  http.StatusNotFound,
	CodeConfigNotFound:   http.StatusNotFound,
	CodeSplitNotFound:    http.StatusNotFound,
	CodeResponseNotFound: http.StatusNotFound,
	CodeResponseNotReady: http.StatusInternalServerError,

	CodeClientConnectionError: http.StatusInternalServerError,
	CodeNoGitRevisionError:    http.StatusInternalServerError,

	CodeTooBigContent:            http.StatusNotImplemented,
	CodeDatasetTooBigFromHub:      http.StatusNotImplemented,
	CodeDatasetTooBigFromDatasets: http.StatusNotImplemented,

	CodePreviousStepFormatError:               http.StatusInternalServerError,
	CodeStatsComputationError:                 http.StatusInternalServerError,
	CodeJobRunnerCrashedError:                 http.StatusInternalServerError,
	CodeJobRunnerExceededMaximumDurationError: http.StatusInternalServerError,
	CodeResponseAlreadyComputedError:          http.StatusOK,
	CodeUnexpected:                             http.StatusInternalServerError,
}

// HTTPStatus returns the status this code maps to, defaulting to 500 for
// a code outside the closed set (should not happen for values produced
// by this package).
func (c Code) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// DefaultRetryable is the retryable-error set (spec.md §3.2 invariant 5).
// internal/planner uses this set as is; no configuration setting replaces
// or extends it.
func DefaultRetryable() map[Code]bool {
	return map[Code]bool{
		CodeClientConnectionError: true,
	}
}

// CachedError is a structured, cacheable error: everything the cache
// store needs to persist an error outcome for an artifact key.
type CachedError struct {
	Code    Code
	Message string
	Cause   error
	Details map[string]any
}

func (e *CachedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CachedError) Unwrap() error { return e.Cause }

// NewCachedError builds a CachedError, wrapping cause if non-nil.
func NewCachedError(code Code, message string, cause error) *CachedError {
	return &CachedError{Code: code, Message: message, Cause: cause}
}

// CachedArtifactError signals that a required predecessor artifact was
// not OK. A step's compute raises this (spec.md §3.2 invariant 4); the
// step runtime commits it as a normal cache error, never as a crash.
type CachedArtifactError struct {
	PredecessorKind string
	Code            Code
	Message         string
}

func (e *CachedArtifactError) Error() string {
	return fmt.Sprintf("predecessor %s failed: %s: %s", e.PredecessorKind, e.Code, e.Message)
}

// TooBigContentError is raised by the step runtime's size guard when a
// computed artifact exceeds contentMaxBytes.
type TooBigContentError struct {
	SizeBytes int64
	MaxBytes  int64
}

func (e *TooBigContentError) Error() string {
	return fmt.Sprintf("content size %d exceeds max %d", e.SizeBytes, e.MaxBytes)
}

// ResponseAlreadyComputedError is raised by a step's parallel short
// circuit (spec.md §4.6/glossary "Parallel step") and committed as a
// non-user-facing cache marker.
type ResponseAlreadyComputedError struct {
	EquivalentKind string
}

func (e *ResponseAlreadyComputedError) Error() string {
	return fmt.Sprintf("already computed by parallel step %s", e.EquivalentKind)
}

// ToCachedError maps any error returned by a step's compute into a
// CachedError, preserving the code for declared sentinels and falling
// back to Unexpected for anything else (spec.md §7 propagation policy).
func ToCachedError(err error) *CachedError {
	if err == nil {
		return nil
	}
	var ce *CachedError
	if errors.As(err, &ce) {
		return ce
	}
	var cae *CachedArtifactError
	if errors.As(err, &cae) {
		return NewCachedError(cae.Code, cae.Error(), err)
	}
	var tbc *TooBigContentError
	if errors.As(err, &tbc) {
		return NewCachedError(CodeTooBigContent, tbc.Error(), err)
	}
	var rac *ResponseAlreadyComputedError
	if errors.As(err, &rac) {
		return NewCachedError(CodeResponseAlreadyComputedError, rac.Error(), err)
	}
	return NewCachedError(CodeUnexpected, "unhandled error", err)
}
