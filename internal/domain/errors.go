package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Business outcomes (insufficient balance, wrong stage, lost races) are
// typed results on the service APIs, not errors; these sentinels cover
// lookups that cannot proceed at all.

var (
	// ErrWalletNotFound is returned by reads that require an existing
	// wallet, which only comes into being on first economic activity.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrSessionNotFound is returned when a review session id resolves
	// to nothing within the tenant.
	ErrSessionNotFound = errors.New("review session not found")
)
