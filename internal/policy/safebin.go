package policy

import "path/filepath"

// safeBinRegistry is the default set of read-only, low-risk binaries that
// satisfy the allowlist requirement on their own, provided their
// arguments use canonical relative-to-cwd forms. Every name is matched
// against the resolved executable's base name so full paths resolve the
// same as bare names.
var defaultSafeBins = map[string]struct{}{
	"ls": {}, "cat": {}, "head": {}, "tail": {}, "wc": {}, "pwd": {}, "echo": {},
	"grep": {}, "find": {}, "stat": {}, "file": {}, "du": {}, "df": {},
	"git": {}, "go": {}, "node": {}, "python3": {},
}

// SafeBinRegistry tracks additional safe binaries registered at runtime
// on top of the defaults.
type SafeBinRegistry struct {
	extra map[string]struct{}
}

// NewSafeBinRegistry constructs a registry seeded with the default set.
func NewSafeBinRegistry() *SafeBinRegistry {
	return &SafeBinRegistry{extra: make(map[string]struct{})}
}

// Register adds name to the registry on top of the built-in defaults.
func (r *SafeBinRegistry) Register(name string) {
	r.extra[name] = struct{}{}
}

// IsSafeBin reports whether resolvedPath's base name is a registered safe
// binary, used in a safe argument context.
func (r *SafeBinRegistry) IsSafeBin(resolvedPath string, args []string) bool {
	name := filepath.Base(resolvedPath)
	_, known := defaultSafeBins[name]
	if !known {
		_, known = r.extra[name]
	}
	if !known {
		return false
	}
	return isSafeArgSet(args)
}
