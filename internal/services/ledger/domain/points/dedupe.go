package points

import "strings"

// Dedupe key builders. Keys are namespaced by action and scoped to the user, so
// two users reporting the same entity id never share a key.

// BlockKey dedupes the XP reward for a completed block.
func BlockKey(userID, blockID string) string { return join("block", userID, blockID) }

// BlockBuildKey dedupes the build points for a completed block.
func BlockBuildKey(userID, blockID string) string { return join("block-build", userID, blockID) }

// UrgeKey dedupes the reward for a logged urge.
func UrgeKey(userID, urgeID string) string { return join("urge", userID, urgeID) }

// TaskKey dedupes the XP reward for a completed task.
func TaskKey(userID, taskID string) string { return join("task", userID, taskID) }

// TaskBuildKey dedupes the build points for a completed task.
func TaskBuildKey(userID, taskID string) string { return join("task-build", userID, taskID) }

// ViolationKey dedupes the XP penalty for a recorded phone violation.
func ViolationKey(userID, violationID string) string { return join("violation", userID, violationID) }

// LieKey dedupes the truth-reconciliation penalty for one user-day.
func LieKey(userID, date string) string { return join("lie", userID, date) }

// SpendKey dedupes one construction-segment purchase.
func SpendKey(userID, requestID string) string { return join("spend", userID, requestID) }

func join(kind string, parts ...string) string {
	trimmed := make([]string, 0, len(parts)+1)
	trimmed = append(trimmed, kind)
	for _, part := range parts {
		trimmed = append(trimmed, strings.TrimSpace(part))
	}
	return strings.Join(trimmed, ":")
}
