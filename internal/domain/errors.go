// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request that fails structural validation.
var ErrValidation = errors.New("validation failed")

// ErrConfig indicates an invalid security mode or otherwise malformed run
// request. Rejected before any resource is allocated, never retried.
var ErrConfig = errors.New("configuration rejected")

// ErrEnvironment indicates the isolation backend could not be managed
// (engine unavailable, image missing, container operations failing). The raw
// backend error is preserved in the wrap chain.
var ErrEnvironment = errors.New("environment failure")

// ErrProtocol indicates a malformed line on the agent event stream. Recovered
// locally by wrapping the line into an error event; never aborts a run.
var ErrProtocol = errors.New("event protocol violation")

// ErrSchema indicates a completion payload that fails its output contract.
// Degrades the result to an unvalidated completion instead of failing the run.
var ErrSchema = errors.New("output contract violation")

// ErrVerification indicates one or more configured checks failed. Drives the
// bounded fix-retry loop; terminal only once maxFixAttempts is exhausted.
var ErrVerification = errors.New("verification failed")
