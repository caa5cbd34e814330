package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalBytes renders e as the deterministic JSON used for hashing:
// struct field order is fixed by declaration and encoding/json sorts map
// keys alphabetically, so the same logical entry always serializes
// identically. EntryHash is always cleared first since an entry's hash
// is computed over everything except itself.
func canonicalBytes(e Entry) ([]byte, error) {
	e.EntryHash = ""
	return json.Marshal(e)
}

// computeEntryHash returns the hex sha-256 digest of e's canonical form.
func computeEntryHash(e Entry) (string, error) {
	b, err := canonicalBytes(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// commandHash returns the first 16 hex characters of sha256(command),
// used as a compact, non-reversible reference in audit queries.
func commandHash(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])[:16]
}
