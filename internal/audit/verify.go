package audit

import (
	"bufio"
	"encoding/json"
	"os"

	ctlerrors "github.com/openclaw/core/pkg/errors"
)

// readAll parses every JSON line in path into an Entry. Lines that fail
// to parse are skipped; Verify and Query both tolerate a truncated final
// line from a crash mid-append.
func readAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ctlerrors.Wrap(ctlerrors.KindTransient, "audit.readAll", "open audit file", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, ctlerrors.Wrap(ctlerrors.KindTransient, "audit.readAll", "scan audit file", err)
	}
	return entries, nil
}

// Verify walks the chain at path and reports the first break, if any.
// Entries lacking hash fields (legacy records predating the hash chain)
// are counted as skipped and do not participate in the chain: they are
// neither checked against the running expected-previous-hash nor used
// to advance it.
func Verify(path string) (VerifyResult, error) {
	entries, err := readAll(path)
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{TotalEntries: len(entries), OK: true, FirstBadIndex: -1}
	expectedPrev := genesisHash

	for i, e := range entries {
		if e.EntryHash == "" || e.PreviousHash == "" {
			result.SkippedLegacy++
			continue
		}
		if e.PreviousHash != expectedPrev {
			result.OK = false
			result.FirstBadIndex = i
			result.Reason = "previous_hash does not match prior entry's entry_hash"
			return result, nil
		}
		wantHash, err := computeEntryHash(e)
		if err != nil {
			return VerifyResult{}, err
		}
		if wantHash != e.EntryHash {
			result.OK = false
			result.FirstBadIndex = i
			result.Reason = "entry_hash does not match recomputed hash"
			return result, nil
		}
		expectedPrev = e.EntryHash
	}
	return result, nil
}
