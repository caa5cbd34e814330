package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/internal/clock"
)

func newTestLogger(t *testing.T) (*Logger, clock.Clock) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewMock()
	l, err := Open(Config{Dir: dir}, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, clk
}

func TestAppendChainsHashes(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	e1, err := l.Append(ctx, Entry{Command: "ls -la", Host: "sandbox", Security: "allowlist", Ask: "on-miss", Decision: DecisionAllowed})
	require.NoError(t, err)
	require.Equal(t, genesisHash, e1.PreviousHash)
	require.NotEmpty(t, e1.EntryHash)
	require.NotEmpty(t, e1.CommandHash)

	e2, err := l.Append(ctx, Entry{Command: "cat file.txt", Host: "sandbox", Security: "allowlist", Ask: "on-miss", Decision: DecisionAllowed})
	require.NoError(t, err)
	require.Equal(t, e1.EntryHash, e2.PreviousHash)
}

func TestAppendSanitizesEnv(t *testing.T) {
	l, _ := newTestLogger(t)
	e, err := l.Append(context.Background(), Entry{
		Command:  "curl",
		Decision: DecisionAllowed,
		Env:      map[string]string{"API_KEY": "sk-live-abcdefghijklmnop", "SAFE": "value"},
	})
	require.NoError(t, err)
	require.Equal(t, "value", e.Env["SAFE"])
	require.NotEqual(t, "sk-live-abcdefghijklmnop", e.Env["API_KEY"])
}

func TestVerifyDetectsCleanChain(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Entry{Command: "echo hi", Decision: DecisionAllowed})
		require.NoError(t, err)
	}

	res, err := Verify(l.Path())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 5, res.TotalEntries)
	require.Equal(t, -1, res.FirstBadIndex)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Entry{Command: "echo hi", Decision: DecisionAllowed})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	tampered := []byte(replaceOnce(string(raw), `"echo hi"`, `"echo pwned"`))
	require.NoError(t, os.WriteFile(l.Path(), tampered, 0o600))

	res, err := Verify(l.Path())
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, 0, res.FirstBadIndex)
}

func TestVerifySkipsLegacyEntriesWithoutHashFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exec-audit.jsonl")
	legacyLine := `{"id":"legacy-1","command":"old-command","decision":"allowed"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(legacyLine), 0o600))

	clk := clock.NewMock()
	l, err := Open(Config{Dir: dir}, clk)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(context.Background(), Entry{Command: "new-command", Decision: DecisionAllowed})
	require.NoError(t, err)

	res, err := Verify(path)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 1, res.SkippedLegacy)
	require.Equal(t, 2, res.TotalEntries)
}

func TestQueryFiltersByCommandAndDecision(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()
	_, _ = l.Append(ctx, Entry{Command: "rm -rf /", Decision: DecisionDenied, DenialReason: "immediate-deny"})
	_, _ = l.Append(ctx, Entry{Command: "ls -la", Decision: DecisionAllowed})
	_, _ = l.Append(ctx, Entry{Command: "cat secrets.txt", Decision: DecisionAllowed})

	denied, err := Query(l.Path(), QueryFilter{Decision: DecisionDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	require.Equal(t, "rm -rf /", denied[0].Command)

	catOnly, err := Query(l.Path(), QueryFilter{CommandRegex: `^cat\b`})
	require.NoError(t, err)
	require.Len(t, catOnly, 1)

	lastTwo, err := Query(l.Path(), QueryFilter{Last: 2})
	require.NoError(t, err)
	require.Len(t, lastTwo, 2)
	require.Equal(t, "cat secrets.txt", lastTwo[1].Command)
}

func TestPruneRewritesAndRechains(t *testing.T) {
	l, clk := newTestLogger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, Entry{Command: "old", Decision: DecisionAllowed})
	require.NoError(t, err)

	mock := clk.(*clock.Mock)
	mock.Advance(1000 * 1000 * 1000) // jump far forward in logical ms

	_, err = l.Append(ctx, Entry{Command: "new", Decision: DecisionAllowed})
	require.NoError(t, err)

	dropped, err := Prune(l.Path(), mock.Now()-1)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	res, err := Verify(l.Path())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 1, res.TotalEntries)

	remaining, err := Query(l.Path(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "new", remaining[0].Command)
}

func TestRotationStartsNewChainAtGenesis(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewMock()
	l, err := Open(Config{Dir: dir, MaxBytes: 1}, clk)
	require.NoError(t, err)
	defer l.Close()

	e1, err := l.Append(context.Background(), Entry{Command: "first", Decision: DecisionAllowed})
	require.NoError(t, err)
	require.Equal(t, genesisHash, e1.PreviousHash)

	e2, err := l.Append(context.Background(), Entry{Command: "second", Decision: DecisionAllowed})
	require.NoError(t, err)
	require.Equal(t, genesisHash, e2.PreviousHash)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
}

func replaceOnce(s, old, newStr string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + newStr + s[idx+len(old):]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
