package fleet

import "strings"

// autoLabels are applied to every runner by the platform itself and are
// therefore meaningless for pool selection: a job requesting them is not
// asking for anything a pool could lack.
var autoLabels = map[string]struct{}{
	"self-hosted": {},
	"linux":       {},
	"windows":     {},
	"macos":       {},
	"x64":         {},
	"x86":         {},
	"amd64":       {},
	"arm":         {},
	"arm64":       {},
}

// MatchLabels reports whether a pool can serve a job with the requested
// labels.  Auto-added labels are stripped from the request; every
// remaining custom label must be present in the pool's label set
// (case-insensitive).  The pool having extra labels is still a match:
// this models "runner must have all requested labels", not equality.
func MatchLabels(poolLabels, jobLabels []string) bool {
	if len(jobLabels) == 0 {
		return true
	}

	have := make(map[string]struct{}, len(poolLabels))
	for _, l := range poolLabels {
		have[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}

	for _, l := range jobLabels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if _, auto := autoLabels[l]; auto {
			continue
		}
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}
