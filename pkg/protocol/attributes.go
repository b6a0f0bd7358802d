// Package protocol defines the contracts the engine consumes from external
// collaborators: attribute/segment resolution and the messaging gateway.
package protocol

import "context"

// AttributeProvider resolves customer context for condition evaluation,
// goal tracking, and dispatch preconditions. Snapshots must be fetched
// fresh per evaluation, never cached across ticks.
type AttributeProvider interface {
	// Snapshot returns the flattened attribute map for a customer:
	// profile, order history, and custom fields.
	Snapshot(ctx context.Context, customerID string) (map[string]any, error)

	// Segments returns the customer's current segment membership.
	Segments(ctx context.Context, customerID string) ([]string, error)

	// IsOptedOut reports whether the customer opted out of messaging.
	IsOptedOut(ctx context.Context, customerID string) (bool, error)

	// PhoneNumber resolves the customer's messaging address.
	PhoneNumber(ctx context.Context, customerID string) (string, error)

	// ApplyProfileUpdates writes exit-path profile updates back to the
	// customer record.
	ApplyProfileUpdates(ctx context.Context, customerID string, updates map[string]any) error
}
