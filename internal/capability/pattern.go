// Package capability implements permission patterns and the Ed25519-signed
// capability tokens that carry them between parent and child threads.
package capability

import (
	"strings"

	"github.com/rye-run/rye/pkg/models"
)

// Primary actions recognized as the first segment after "rye.".
const (
	PrimaryExecute = "execute"
	PrimarySearch  = "search"
	PrimaryLoad    = "load"
	PrimarySign    = "sign"
)

// ActionString builds the canonical action form checked against a token:
// rye.<primary>.<item_type>.<dotted_id>.
func ActionString(primary, itemType, itemID string) string {
	return "rye." + primary + "." + itemType + "." + strings.ReplaceAll(itemID, "/", ".")
}

// Matches reports whether a concrete action string is matched by a pattern.
// A "*" segment matches exactly one segment; a terminal "*" matches one or
// more remaining segments. Literal segments must be equal.
func Matches(pattern, action string) bool {
	return covers(strings.Split(pattern, "."), strings.Split(action, "."))
}

// Covers reports whether every action matched by the requested pattern is
// also matched by the parent pattern. This is the attenuation check used at
// mint time: a requested wildcard is only covered by an equal-or-broader
// parent wildcard.
func Covers(parent, requested string) bool {
	return covers(strings.Split(parent, "."), strings.Split(requested, "."))
}

func covers(p, r []string) bool {
	if len(p) == 0 {
		return len(r) == 0
	}
	if len(p) == 1 && p[0] == "*" {
		// Terminal wildcard swallows any non-empty remainder.
		return len(r) >= 1
	}
	if len(r) == 0 {
		return false
	}
	if len(r) == 1 && r[0] == "*" {
		// Requested remainder is unbounded but the parent is not.
		return false
	}
	if p[0] == "*" {
		return covers(p[1:], r[1:])
	}
	if r[0] == "*" {
		// Requested single-segment wildcard is broader than a literal parent.
		return false
	}
	if p[0] != r[0] {
		return false
	}
	return covers(p[1:], r[1:])
}

// CoveredBy reports whether the requested pattern is covered by at least one
// parent pattern.
func CoveredBy(requested string, parents []string) bool {
	for _, p := range parents {
		if Covers(p, requested) {
			return true
		}
	}
	return false
}

// CheckSet checks an action against a pattern set. An empty set denies
// every action (fail closed).
func CheckSet(patterns []string, action string) bool {
	for _, p := range patterns {
		if Matches(p, action) {
			return true
		}
	}
	return false
}

// Intersect returns the subset of requested patterns covered by the parent
// set, plus the patterns that were dropped for lack of coverage.
func Intersect(parents, requested []string) (kept, dropped []string) {
	for _, r := range requested {
		if CoveredBy(r, parents) {
			kept = append(kept, r)
		} else {
			dropped = append(dropped, r)
		}
	}
	return kept, dropped
}

// RiskOf returns the static risk classification of a permission pattern.
// Search and load are read-only and safe; execute mutates (write) except
// shell and subprocess targets which are elevated; sign is elevated; a
// wildcard at the primary position is unrestricted.
func RiskOf(pattern string) models.RiskTier {
	segs := strings.Split(pattern, ".")
	if len(segs) < 2 || segs[0] != "rye" {
		return models.RiskUnrestricted
	}
	primary := segs[1]
	if primary == "*" {
		return models.RiskUnrestricted
	}
	switch primary {
	case PrimarySearch, PrimaryLoad:
		return models.RiskSafe
	case PrimarySign:
		return models.RiskElevated
	case PrimaryExecute:
		if len(segs) >= 4 {
			switch segs[3] {
			case "shell", "subprocess":
				return models.RiskElevated
			}
		}
		if len(segs) == 3 && segs[2] == "*" {
			// rye.execute.* spans every item type.
			return models.RiskElevated
		}
		return models.RiskWrite
	default:
		return models.RiskUnrestricted
	}
}

// MaxRisk returns the highest risk tier across a pattern set.
func MaxRisk(patterns []string) models.RiskTier {
	max := models.RiskSafe
	for _, p := range patterns {
		if r := RiskOf(p); r.AtLeast(max) {
			max = r
		}
	}
	return max
}
