package progress

import "github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"

// HPKind names the rule that produced an HP change. At most one change per
// (user, day, kind, source) is applied.
type HPKind string

const (
	HPKindSleep     HPKind = "sleep"
	HPKindHealing   HPKind = "healing"
	HPKindViolation HPKind = "violation"
)

// ClampHP bounds hp to [0, policy.MaxHP].
func ClampHP(hp int) int {
	return min(max(hp, 0), policy.MaxHP)
}

// ApplyHP returns the new HP and the change actually applied after clamping.
func ApplyHP(current, delta int) (next int, applied int) {
	current = ClampHP(current)
	next = ClampHP(current + delta)
	return next, next - current
}

// Valid reports whether k is a known kind.
func (k HPKind) Valid() bool {
	switch k {
	case HPKindSleep, HPKindHealing, HPKindViolation:
		return true
	}
	return false
}
