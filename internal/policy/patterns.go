package policy

import "regexp"

// namedPattern pairs a regex with the human-readable name surfaced in a
// denial reason, mirroring a pattern-table style used elsewhere in the
// codebase for scanning command/text content.
type namedPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// immediateDenyPatterns are checked before anything else; a match denies
// the request outright regardless of security/ask configuration.
var immediateDenyPatterns = []namedPattern{
	{"root-recursive-delete", regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*)\s+/(\s|$)`)},
	{"rm-rf-star", regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*)\s+\*`)},
	{"raw-disk-write", regexp.MustCompile(`(?i)\bdd\s+[^\n]*\bof=/dev/`)},
	{"device-write", regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]\b`)},
	{"mkfs", regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`)},
	{"fork-bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
	{"pipe-to-shell", regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh|sudo\s+sh|sudo\s+bash)\b`)},
	{"eval-curl", regexp.MustCompile(`(?i)\beval\s*\(\s*\$?\(?\s*curl\b`)},
	{"overwrite-passwd", regexp.MustCompile(`(?i)>\s*/etc/(passwd|shadow)\b`)},
	{"system-shutdown", regexp.MustCompile(`(?i)\b(shutdown|poweroff|halt|reboot)\b\s*(-[a-z]+\s*)*(now)?`)},
	{"kill-init", regexp.MustCompile(`(?i)\bkill\s+(-9|-sigkill)\s+1\b`)},
}

// obfuscationPatterns catch common shell tricks used to smuggle content
// past the allowlist/safe-bin checks below.
var obfuscationPatterns = []namedPattern{
	{"ansi-c-quoting", regexp.MustCompile(`\$'`)},
	{"locale-quoting", regexp.MustCompile(`\$"`)},
	{"empty-quote-concat", regexp.MustCompile(`''\s*['"]?\S*['"]?\s*''`)},
	{"variable-reuse", regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=['"][^'"]*['"]\s*;\s*\$\1\b`)},
}

func matchNamed(patterns []namedPattern, command string) (string, bool) {
	for _, p := range patterns {
		if p.Pattern.MatchString(command) {
			return p.Name, true
		}
	}
	return "", false
}
