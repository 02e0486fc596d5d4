package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Platform abstracts the presentation platform the engine notifies.
// Both calls are best-effort: the engine's durable state is
// authoritative whether or not the platform action succeeds.
type Platform interface {
	// BanMember asks the platform to remove a member whose blackhole
	// countdown has expired.
	BanMember(ctx context.Context, tenant, user string, reason string) error

	// PostSettlement publishes an informational settlement notice.
	PostSettlement(ctx context.Context, tenant, message string) error
}
