// Package workspace defines the tenant boundary: workspace settings, the
// membership contract gating every read and write, and the workspace store.
package workspace

import (
	"context"
	"time"
)

type (
	// Workspace is the tenant boundary. Identity is immutable; settings are
	// mutable, but runs snapshot the auto-pay settings at creation and never
	// consult the live values during execution.
	Workspace struct {
		ID        string
		Name      string
		Settings  Settings
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Settings carries the mutable workspace configuration.
	Settings struct {
		// AutoPayEnabled permits 402 settlement without human interaction.
		AutoPayEnabled bool `json:"autoPayEnabled"`
		// AutoPayMaxPerStepAtomic caps one payment (decimal atomic units).
		AutoPayMaxPerStepAtomic string `json:"autoPayMaxPerStepAtomic,omitempty"`
		// AutoPayMaxPerRunAtomic caps cumulative spend per run.
		AutoPayMaxPerRunAtomic string `json:"autoPayMaxPerRunAtomic,omitempty"`
		// ToolAllowlist restricts outbound tool hosts when non-empty. Entries
		// match exact hostnames or dot-suffixes.
		ToolAllowlist []string `json:"toolAllowlist,omitempty"`
	}

	// Store is the workspace persistence contract.
	Store interface {
		// Create persists a new workspace.
		Create(ctx context.Context, w *Workspace) error

		// Get returns the workspace by ID or store.ErrNotFound.
		Get(ctx context.Context, id string) (*Workspace, error)

		// UpdateSettings replaces the workspace settings.
		UpdateSettings(ctx context.Context, id string, s Settings) error
	}

	// Membership is the identity collaborator contract: it answers whether a
	// user belongs to a workspace. The engine never inspects roles beyond
	// membership.
	Membership interface {
		IsMember(ctx context.Context, userID, workspaceID string) (bool, error)
	}

	// MembershipFunc adapts a function to the Membership contract.
	MembershipFunc func(ctx context.Context, userID, workspaceID string) (bool, error)
)

// IsMember calls f.
func (f MembershipFunc) IsMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	return f(ctx, userID, workspaceID)
}
