package policy

import (
	"context"
	"path/filepath"

	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/store"
)

// AllowlistSource answers whether a resolved executable path is
// pre-approved for an agent and records uses for recency tracking.
type AllowlistSource interface {
	Matches(ctx context.Context, agentID, resolvedPath string) (pattern string, ok bool)
	RecordUse(ctx context.Context, agentID, pattern string)
	Add(ctx context.Context, agentID, pattern string) error
}

// StoreAllowlist is an AllowlistSource backed by the durable store; entry
// patterns may be exact paths or glob patterns matched with
// filepath.Match against the resolved path.
type StoreAllowlist struct {
	st  *store.Store
	clk clock.Clock
}

// NewStoreAllowlist constructs a StoreAllowlist.
func NewStoreAllowlist(st *store.Store, clk clock.Clock) *StoreAllowlist {
	return &StoreAllowlist{st: st, clk: clk}
}

// Matches reports the first pattern registered for agentID that matches
// resolvedPath, either exactly or as a glob.
func (a *StoreAllowlist) Matches(ctx context.Context, agentID, resolvedPath string) (string, bool) {
	entries, err := a.st.GetAllowlistEntries(ctx, agentID)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.Pattern == resolvedPath {
			return e.Pattern, true
		}
		if ok, err := filepath.Match(e.Pattern, resolvedPath); err == nil && ok {
			return e.Pattern, true
		}
	}
	return "", false
}

// RecordUse updates the matched entry's last-used timestamp and use
// count; failures are swallowed since this is a best-effort side record.
func (a *StoreAllowlist) RecordUse(ctx context.Context, agentID, pattern string) {
	_ = a.st.TouchAllowlistEntry(ctx, agentID, pattern, a.clk.Now())
}

// Add persists a new allowlist entry (used by allow-always decisions).
func (a *StoreAllowlist) Add(ctx context.Context, agentID, pattern string) error {
	return a.st.AddAllowlistEntry(ctx, store.AllowlistEntry{
		AgentID:   agentID,
		Pattern:   pattern,
		AddedAtMs: a.clk.Now(),
	})
}
