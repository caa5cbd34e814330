package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/core/infrastructure/security"
	"github.com/openclaw/core/internal/clock"
	ctlerrors "github.com/openclaw/core/pkg/errors"
)

const defaultMaxBytes int64 = 10 * 1024 * 1024

// Config configures a Logger.
type Config struct {
	// Dir is the directory the audit log lives in, created mode 0700.
	// Defaults to "~/.openclaw/audit".
	Dir string
	// MaxBytes triggers rotation once the active file would exceed it.
	// Defaults to 10 MiB.
	MaxBytes int64
}

func (c Config) withDefaults() (Config, error) {
	if c.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return c, ctlerrors.Wrap(ctlerrors.KindConfig, "audit.Config", "resolve home directory", err)
		}
		c.Dir = filepath.Join(home, ".openclaw", "audit")
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	return c, nil
}

// Logger appends entries to a single hash-chained JSONL audit file,
// rotating it once it crosses MaxBytes.
type Logger struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	path     string
	file     *os.File
	lastHash string
}

// Open creates the audit directory/file if absent (0700/0600) and
// positions the chain at the hash of the last valid entry, or genesis
// for an empty or newly created file.
func Open(cfg Config, clk clock.Clock) (*Logger, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, ctlerrors.Wrap(ctlerrors.KindConfig, "audit.Open", "create audit directory", err)
	}
	path := filepath.Join(cfg.Dir, "exec-audit.jsonl")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, ctlerrors.Wrap(ctlerrors.KindConfig, "audit.Open", "open audit file", err)
	}

	last, err := tailLastHash(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Logger{cfg: cfg, clk: clk, path: path, file: f, lastHash: last}, nil
}

// Close releases the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the active audit file's path.
func (l *Logger) Path() string {
	return l.path
}

// Append fills in ID, TimestampMs, CommandHash, PreviousHash, and
// EntryHash (overwriting caller-supplied values for the chain fields),
// sanitizes Env, writes the entry as one JSON line, and advances the
// chain. It rotates the active file first if appending would push it
// over MaxBytes.
func (l *Logger) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TimestampMs == 0 {
		e.TimestampMs = l.clk.Now()
	}
	e.CommandHash = commandHash(e.Command)
	if e.Env != nil {
		e.Env = sanitizeEnv(e.Env)
	}

	// Rotation must happen before PreviousHash is pinned to l.lastHash:
	// a rotated file starts its own chain at genesis, so the first entry
	// written into it needs lastHash as rotateIfNeededLocked leaves it,
	// not the value carried over from the file being rotated out.
	if err := l.rotateIfNeededLocked(); err != nil {
		return Entry{}, err
	}
	e.PreviousHash = l.lastHash

	hash, err := computeEntryHash(e)
	if err != nil {
		return Entry{}, ctlerrors.Wrap(ctlerrors.KindInvariant, "audit.Append", "compute entry hash", err)
	}
	e.EntryHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, ctlerrors.Wrap(ctlerrors.KindInvariant, "audit.Append", "marshal entry", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, ctlerrors.Wrap(ctlerrors.KindTransient, "audit.Append", "write audit entry", err)
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, ctlerrors.Wrap(ctlerrors.KindTransient, "audit.Append", "fsync audit file", err)
	}

	l.lastHash = e.EntryHash
	return e, nil
}

// sanitizeEnv masks known-sensitive values using the same patterns
// applied to log output elsewhere in the control plane.
func sanitizeEnv(env map[string]string) map[string]string {
	asAny := make(map[string]interface{}, len(env))
	for k, v := range env {
		asAny[k] = v
	}
	sanitized := security.SanitizeMap(asAny)
	out := make(map[string]string, len(sanitized))
	for k, v := range sanitized {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// rotateIfNeededLocked renames the active file with an ISO-timestamp
// suffix and opens a fresh one if the current size already meets or
// exceeds MaxBytes. The new file starts its own hash chain at genesis;
// a rotated archive is verified independently of its successors. Must be
// called with l.mu held, and before PreviousHash is pinned for the entry
// about to be appended.
func (l *Logger) rotateIfNeededLocked() error {
	info, err := l.file.Stat()
	if err != nil {
		return ctlerrors.Wrap(ctlerrors.KindTransient, "audit.rotate", "stat audit file", err)
	}
	if info.Size() < l.cfg.MaxBytes {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return ctlerrors.Wrap(ctlerrors.KindTransient, "audit.rotate", "close audit file", err)
	}

	// The rotation suffix is a human-facing archive name, not a scheduling
	// value, so it uses the real wall clock directly rather than the
	// injected Clock (whose Now() is relative to an arbitrary epoch fixed
	// at construction, not a calendar timestamp) — the same exception the
	// Resource Monitor's OS sampling loop makes.
	stamp := time.Now().UTC().Format("20060102T150405.000Z")
	rotatedPath := fmt.Sprintf("%s.%s", l.path, stamp)
	if err := os.Rename(l.path, rotatedPath); err != nil {
		return ctlerrors.Wrap(ctlerrors.KindTransient, "audit.rotate", "rename audit file", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return ctlerrors.Wrap(ctlerrors.KindTransient, "audit.rotate", "open new audit file", err)
	}
	l.file = f
	l.lastHash = genesisHash
	return nil
}

// tailLastHash returns the EntryHash of the last line in path that
// parses with a non-empty EntryHash, or genesisHash if none do.
func tailLastHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisHash, nil
		}
		return "", ctlerrors.Wrap(ctlerrors.KindTransient, "audit.tailLastHash", "open audit file", err)
	}
	defer f.Close()

	last := genesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.EntryHash != "" {
			last = e.EntryHash
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return "", ctlerrors.Wrap(ctlerrors.KindTransient, "audit.tailLastHash", "scan audit file", err)
	}
	return last, nil
}
