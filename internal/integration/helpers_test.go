package integration

import (
	"os"
	"strings"
)

// replaceInFile rewrites the first n occurrences of old with newStr in the
// file at path, used to simulate tampering with an on-disk audit log.
func replaceInFile(path, old, newStr string, n int) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Replace(string(raw), old, newStr, n)), 0o600)
}
