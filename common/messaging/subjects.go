package messaging

import "strings"

// Subject constants for the sod message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// SubjectRequestsSubmit carries standing-order requests pushed by other systems.
	SubjectRequestsSubmit = "sod.requests.submit"

	// SubjectOutcomesPrefix prefixes terminal outcome subjects; the status is appended.
	SubjectOutcomesPrefix = "sod.outcomes"

	// SubjectOutcomesAll matches every outcome subject.
	SubjectOutcomesAll = SubjectOutcomesPrefix + ".>"
)

// QueueSodWorkers is the queue group shared by sod instances consuming requests.
const QueueSodWorkers = "sod-workers"

// OutcomeSubject returns the subject for an outcome with the given status.
// Example: sod.outcomes.delivered
func OutcomeSubject(status string) string {
	return SubjectOutcomesPrefix + "." + strings.ToLower(status)
}
