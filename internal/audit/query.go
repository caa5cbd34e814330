package audit

import "regexp"

// Query returns entries at path matching filter, in file order. If
// filter.Last > 0, only the last N matching entries are returned.
func Query(path string, filter QueryFilter) ([]Entry, error) {
	entries, err := readAll(path)
	if err != nil {
		return nil, err
	}

	var cmdRe *regexp.Regexp
	if filter.CommandRegex != "" {
		cmdRe, err = regexp.Compile(filter.CommandRegex)
		if err != nil {
			return nil, err
		}
	}

	var out []Entry
	for _, e := range entries {
		if filter.Decision != "" && e.Decision != filter.Decision {
			continue
		}
		if filter.SinceMs > 0 && e.TimestampMs < filter.SinceMs {
			continue
		}
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if filter.Host != "" && e.Host != filter.Host {
			continue
		}
		if cmdRe != nil && !cmdRe.MatchString(e.Command) {
			continue
		}
		out = append(out, e)
	}

	if filter.Last > 0 && len(out) > filter.Last {
		out = out[len(out)-filter.Last:]
	}
	return out, nil
}
