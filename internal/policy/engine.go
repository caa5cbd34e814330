package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Engine evaluates exec requests against the configured policy.
type Engine struct {
	cfg       Config
	allowlist AllowlistSource
	safeBins  *SafeBinRegistry
	resolve   PathResolver
}

// NewEngine constructs an Engine. resolver may be nil to use
// DefaultPathResolver.
func NewEngine(cfg Config, allowlist AllowlistSource, safeBins *SafeBinRegistry, resolver PathResolver) *Engine {
	if resolver == nil {
		resolver = DefaultPathResolver
	}
	if safeBins == nil {
		safeBins = NewSafeBinRegistry()
	}
	return &Engine{cfg: cfg, allowlist: allowlist, safeBins: safeBins, resolve: resolver}
}

// Evaluate renders a decision for req.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	if name, hit := matchNamed(immediateDenyPatterns, req.Command); hit {
		d := e.deny(req, "immediate-deny: "+name)
		if req.DryRun {
			return e.dryRun(d)
		}
		return d
	}
	if name, hit := matchNamed(obfuscationPatterns, req.Command); hit {
		d := e.deny(req, "obfuscation: "+name)
		if req.DryRun {
			return e.dryRun(d)
		}
		return d
	}

	resolved := Triple{
		Host:     e.cfg.DefaultHost,
		Security: e.cfg.DefaultSecurity,
		Ask:      e.cfg.DefaultAsk,
	}
	if req.Security != "" {
		resolved.Security = CombineSecurity(resolved.Security, req.Security)
	}
	if req.Ask != "" {
		resolved.Ask = CombineAsk(resolved.Ask, req.Ask)
	}

	if req.Host != "" && req.Host != e.cfg.DefaultHost && !req.Elevated {
		resolved.Host = req.Host
		return e.denyWithTriple(req, resolved, nil, "host-mismatch")
	}
	if req.Host != "" {
		resolved.Host = req.Host
	}

	segments := e.analyzeSegments(ctx, req)
	allSatisfied := true
	allSafeBin := true
	for _, s := range segments {
		if !s.satisfied() {
			allSatisfied = false
		}
		if !s.SafeBinSatisfied {
			allSafeBin = false
		}
	}

	if resolved.Host == HostSandbox && resolved.Security == SecurityAllowlist && allSafeBin && len(segments) > 0 {
		resolved.Ask = AskOff
	}

	if resolved.Host == HostSandbox {
		if reason, denied := e.checkNetworkRestrictions(req.Command); denied {
			return e.denyWithTriple(req, resolved, segments, reason)
		}
	} else {
		if reason, denied := checkHostEnv(req.Env); denied {
			return e.denyWithTriple(req, resolved, segments, reason)
		}
	}

	d := Decision{Resolved: resolved, Segments: segments}

	switch resolved.Security {
	case SecurityDeny:
		d.Allow = false
		d.DenialReason = "security-deny"
	case SecurityFull:
		d.Allow = true
	case SecurityAllowlist:
		if allSatisfied {
			d.Allow = true
			for _, s := range segments {
				if s.AllowlistSatisfied {
					e.allowlist.RecordUse(ctx, req.AgentID, s.ResolvedPath)
				}
			}
		} else if resolved.Ask == AskOff {
			d.Allow = false
			d.DenialReason = "allowlist-miss"
		} else {
			d.Prompt = true
		}
	default:
		d.Allow = false
		d.DenialReason = "unknown-security-level"
	}

	if req.DryRun {
		return e.dryRun(d)
	}
	return d
}

func (e *Engine) deny(req Request, reason string) Decision {
	return Decision{Allow: false, DenialReason: reason}
}

func (e *Engine) denyWithTriple(req Request, resolved Triple, segments []SegmentAnalysis, reason string) Decision {
	d := Decision{Allow: false, DenialReason: reason, Resolved: resolved, Segments: segments}
	if req.DryRun {
		return e.dryRun(d)
	}
	return d
}

func (e *Engine) analyzeSegments(ctx context.Context, req Request) []SegmentAnalysis {
	var out []SegmentAnalysis
	for _, seg := range splitSegments(req.Command) {
		name := executableOf(seg)
		resolvedPath, ok := e.resolve(name)
		if !ok {
			resolvedPath = name
		}
		args := tokenize(seg)
		if len(args) > 0 {
			args = args[1:]
		}

		sa := SegmentAnalysis{Segment: seg, Executable: name, ResolvedPath: resolvedPath}
		if pattern, matched := e.allowlist.Matches(ctx, req.AgentID, resolvedPath); matched {
			sa.AllowlistSatisfied = true
			sa.ResolvedPath = pattern
		} else if e.safeBins.IsSafeBin(resolvedPath, args) {
			sa.SafeBinSatisfied = true
		}
		out = append(out, sa)
	}
	return out
}

var hostRefPattern = regexp.MustCompile(`(?i)(?:https?://|wss?://)?([a-z0-9][a-z0-9\-._]*\.[a-z]{2,})`)

func extractHostRefs(command string) []string {
	matches := hostRefPattern.FindAllStringSubmatch(command, -1)
	seen := make(map[string]struct{})
	var hosts []string
	for _, m := range matches {
		h := strings.ToLower(m[1])
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func (e *Engine) checkNetworkRestrictions(command string) (string, bool) {
	hosts := extractHostRefs(command)
	if len(hosts) == 0 {
		return "", false
	}
	for _, h := range hosts {
		for _, denied := range e.cfg.DeniedHosts {
			if strings.EqualFold(h, denied) {
				return fmt.Sprintf("network-denied-host: %s", h), true
			}
		}
	}
	if len(e.cfg.AllowedHosts) > 0 {
		for _, h := range hosts {
			allowed := false
			for _, a := range e.cfg.AllowedHosts {
				if strings.EqualFold(h, a) {
					allowed = true
					break
				}
			}
			if !allowed {
				return fmt.Sprintf("network-host-not-allowed: %s", h), true
			}
		}
	}
	return "", false
}

func checkHostEnv(env map[string]string) (string, bool) {
	for k := range env {
		if isDangerousEnvKey(k) {
			return fmt.Sprintf("forbidden-env: %s", k), true
		}
	}
	return "", false
}

// PersistAllowlistEntries stores an allowlist entry for every matched
// segment of the last analyzed command, used by allow-always decisions in
// the approval workflow.
func (e *Engine) PersistAllowlistEntries(ctx context.Context, agentID string, segments []SegmentAnalysis) error {
	for _, s := range segments {
		if s.ResolvedPath == "" {
			continue
		}
		if err := e.allowlist.Add(ctx, agentID, s.ResolvedPath); err != nil {
			return err
		}
	}
	return nil
}

// dryRun annotates d with a verdict, risk indicators, and suggestions
// without changing its allow/prompt fields, and never executes.
func (e *Engine) dryRun(d Decision) Decision {
	switch {
	case d.Allow:
		d.Verdict = "would-allow"
	case d.Prompt:
		d.Verdict = "would-prompt"
	default:
		d.Verdict = "would-deny"
	}

	for _, s := range d.Segments {
		if !s.satisfied() {
			d.RiskIndicators = append(d.RiskIndicators, fmt.Sprintf("segment %q is not allowlisted or a recognized safe binary", s.Segment))
			d.Suggestions = append(d.Suggestions, fmt.Sprintf("add %q to the agent's allowlist, or run with a narrower security level", s.Executable))
		}
	}
	if d.DenialReason != "" {
		d.RiskIndicators = append(d.RiskIndicators, riskIndicatorToken(d.DenialReason))
	}
	return d
}

// riskIndicatorToken turns a denial reason such as "immediate-deny:
// pipe-to-shell" or "network-denied-host: evil.test" into the canonical
// upper-snake token dry-run callers match against (e.g. "PIPE_TO_SHELL").
func riskIndicatorToken(reason string) string {
	name := reason
	if idx := strings.LastIndex(reason, ": "); idx >= 0 {
		name = reason[idx+2:]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r == '-' || r == ' ':
			return '_'
		default:
			return r
		}
	}, name)
	return name
}
