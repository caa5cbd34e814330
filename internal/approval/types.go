// Package approval gates exec calls that the policy engine marks
// ask-required behind a user-facing decision, dispatched through a
// gateway request/response channel and bounded by a timing-wheel timeout.
package approval

import (
	"github.com/openclaw/core/internal/policy"
)

// DefaultTimeoutMs is how long a pending approval waits for a decision
// before the configured ask-fallback policy applies.
const DefaultTimeoutMs int64 = 120_000

// Decision is the gateway's verdict on a pending request.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

// Request is what the workflow sends to the gateway for a command
// requiring approval.
type Request struct {
	ID           string
	Command      string
	Cwd          string
	Host         policy.Host
	Security     policy.Security
	Ask          policy.Ask
	AgentID      string
	ResolvedPath string
	SessionKey   string
	TimeoutMs    int64
}

// Gateway is the user-facing approval surface. Send dispatches req and
// the caller is expected to eventually call Workflow.Resolve with the
// same req.ID; Send itself never blocks on a decision.
type Gateway interface {
	Send(req Request)
}

// SystemEventSink receives the human-readable notices the workflow emits
// at decision points (denied, timed out, still running, completed).
type SystemEventSink interface {
	Emit(message string)
}

// Outcome is the resolved result of one approval, surfaced to the exec
// caller once a decision, timeout, or fallback has been applied.
type Outcome struct {
	ApprovalID string
	Allowed    bool
	Decision   Decision
	Reason     string // denial/fallback reason when !Allowed
}

// pending tracks one in-flight approval awaiting a gateway decision.
type pending struct {
	req      Request
	segments []policy.SegmentAnalysis
	resultCh chan Outcome
	resolved bool
}
