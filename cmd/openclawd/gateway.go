package main

import (
	"github.com/openclaw/core/internal/approval"
	"github.com/openclaw/core/pkg/logger"
)

// logOnlyGateway is the standalone binary's approval surface: the real
// gateway is a chat/CLI front-end external to this module (spec.md §1's
// non-goals exclude UI and concrete tool implementations). It logs every
// pending request so an operator tailing logs can still act externally,
// and otherwise lets the workflow's configured askFallback decide once
// the approval times out.
type logOnlyGateway struct {
	log *logger.Logger
}

func (g logOnlyGateway) Send(req approval.Request) {
	g.log.WithField("approval_id", req.ID).
		WithField("agent_id", req.AgentID).
		WithField("command", req.Command).
		Warn("approval pending: no interactive gateway wired, will resolve via askFallback on timeout")
}

// logOnlyApprovalEvents prints the approval workflow's human-readable
// notices to the log, standing in for the agent runtime's per-session
// inbox until a real one is wired in.
type logOnlyApprovalEvents struct {
	log *logger.Logger
}

func (s logOnlyApprovalEvents) Emit(message string) {
	s.log.Info(message)
}

// logOnlyHeartbeatEvents is the heartbeat scheduler's equivalent, keyed
// by agent rather than free-text session.
type logOnlyHeartbeatEvents struct {
	log *logger.Logger
}

func (s logOnlyHeartbeatEvents) Emit(agentID, message string) {
	s.log.WithField("agent_id", agentID).Info(message)
}
