package errors

import "errors"

// Expected deferrals. These surface as notes on a successful sync result.
var (
	ErrAlreadySyncing   = errors.New("already syncing")
	ErrOffline          = errors.New("offline")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Pass-fatal errors.
var (
	ErrSyncTimeout = errors.New("sync timed out")
)

// Conflict resolution errors.
var (
	ErrUnknownStrategy  = errors.New("unknown resolution strategy")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrMergeRejected    = errors.New("field merge rejected: non-mergeable fields differ")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
	ErrRateLimited = errors.New("rate limited")
)
