package domain

// transitions is the workflow graph. A status with an empty successor set is terminal.
var transitions = map[CaseStatus][]CaseStatus{
	CaseStatusDraft:           {CaseStatusSubmitted},
	CaseStatusSubmitted:       {CaseStatusInReview},
	CaseStatusInReview:        {CaseStatusDecisionPending},
	CaseStatusDecisionPending: {CaseStatusApproved, CaseStatusRejected},
	CaseStatusApproved:        {CaseStatusClosed},
	CaseStatusRejected:        {CaseStatusClosed},
	CaseStatusClosed:          {},
}

// IsAllowed reports whether a case may move from one status to another.
func IsAllowed(from, to CaseStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the statuses reachable from the given status in one step.
func AllowedTargets(from CaseStatus) []CaseStatus {
	next := transitions[from]
	out := make([]CaseStatus, len(next))
	copy(out, next)
	return out
}
