package audit

import (
	"encoding/json"

	"github.com/google/renameio/v2"

	ctlerrors "github.com/openclaw/core/pkg/errors"
)

// Prune drops every entry at path with TimestampMs < beforeMs and
// rewrites the file atomically via a temp-file-then-rename so a crash
// mid-prune never leaves a half-written audit log. The retained entries
// are re-chained from genesis, since their original previous_hash
// pointers reference entries that may no longer exist in the file.
func Prune(path string, beforeMs int64) (dropped int, err error) {
	entries, err := readAll(path)
	if err != nil {
		return 0, err
	}

	var kept []Entry
	for _, e := range entries {
		if e.TimestampMs < beforeMs {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	if dropped == 0 {
		return 0, nil
	}

	prevHash := genesisHash
	var buf []byte
	for i := range kept {
		kept[i].PreviousHash = prevHash
		hash, herr := computeEntryHash(kept[i])
		if herr != nil {
			return 0, ctlerrors.Wrap(ctlerrors.KindInvariant, "audit.Prune", "rechain kept entry", herr)
		}
		kept[i].EntryHash = hash
		prevHash = hash

		line, jerr := json.Marshal(kept[i])
		if jerr != nil {
			return 0, ctlerrors.Wrap(ctlerrors.KindInvariant, "audit.Prune", "marshal kept entry", jerr)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := renameio.WriteFile(path, buf, 0o600); err != nil {
		return 0, ctlerrors.Wrap(ctlerrors.KindTransient, "audit.Prune", "atomically rewrite audit file", err)
	}
	return dropped, nil
}

// Clear truncates the audit log to empty via the same atomic-rewrite
// path used by Prune, so a crash mid-clear cannot corrupt it.
func Clear(path string) error {
	if err := renameio.WriteFile(path, nil, 0o600); err != nil {
		return ctlerrors.Wrap(ctlerrors.KindTransient, "audit.Clear", "atomically clear audit file", err)
	}
	return nil
}
