package ledger

import (
	"math"
	"sort"
	"strings"

	"bountyline/internal/domain"
)

// PercentTolerance bounds how far the payout percentages may drift from 100.
const PercentTolerance = 0.01

// ValidatePlan checks a milestone plan at bounty creation: sequences run 1..n
// without gaps and payout percentages sum to 100 within PercentTolerance.
// The slice is sorted by sequence in place.
func ValidatePlan(ms []domain.Milestone) error {
	if len(ms) == 0 {
		return domain.Invalid("at least one milestone is required")
	}
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Sequence < ms[j].Sequence })
	sum := 0.0
	for i, m := range ms {
		if m.Sequence != i+1 {
			return domain.Invalid("milestone sequences must run 1..%d without gaps; found %d at position %d", len(ms), m.Sequence, i+1)
		}
		if strings.TrimSpace(m.Title) == "" {
			return domain.Invalid("milestone %d title is required", m.Sequence)
		}
		if m.PayoutPercentage <= 0 || m.PayoutPercentage > 100 {
			return domain.Invalid("milestone %d payout percentage %.2f out of range (0,100]", m.Sequence, m.PayoutPercentage)
		}
		sum += m.PayoutPercentage
	}
	if math.Abs(sum-100) > PercentTolerance {
		return domain.Invalid("milestone payout percentages sum to %.2f, expected 100", sum)
	}
	return nil
}

// FindMilestone returns the milestone with id owned by the aggregate.
func FindMilestone(agg *domain.Aggregate, id string) (*domain.Milestone, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.Invalid("milestone_id is required")
	}
	for i := range agg.Milestones {
		if agg.Milestones[i].ID == id {
			return &agg.Milestones[i], nil
		}
	}
	return nil, domain.NotFound("milestone %s not found on bounty %s", id, agg.Bounty.ID)
}

// ActivateSequence moves the pending milestone with the given sequence to
// in_progress. It returns nil when no such milestone exists.
func ActivateSequence(agg *domain.Aggregate, seq int, now string) (*domain.Milestone, error) {
	for i := range agg.Milestones {
		m := &agg.Milestones[i]
		if m.Sequence != seq {
			continue
		}
		if inProgress := InProgress(agg); inProgress != nil && inProgress.ID != m.ID {
			return nil, domain.Conflict("milestone %d is already in progress", inProgress.Sequence)
		}
		if m.Status != domain.MilestonePending {
			return nil, domain.Invalid("milestone %d is %s, expected pending", m.Sequence, m.Status)
		}
		m.Status = domain.MilestoneInProgress
		m.UpdatedAt = now
		return m, nil
	}
	return nil, nil
}

// InProgress returns the single in-progress milestone, if any.
func InProgress(agg *domain.Aggregate) *domain.Milestone {
	for i := range agg.Milestones {
		if agg.Milestones[i].Status == domain.MilestoneInProgress {
			return &agg.Milestones[i]
		}
	}
	return nil
}

// SubmitMilestone records evidence for the milestone currently in progress.
func SubmitMilestone(m *domain.Milestone, evidenceRef, now string) error {
	if strings.TrimSpace(evidenceRef) == "" {
		return domain.Invalid("evidence_ref is required")
	}
	if m.Status != domain.MilestoneInProgress {
		return domain.Invalid("milestone %d is %s, expected in_progress", m.Sequence, m.Status)
	}
	ref := evidenceRef
	ts := now
	m.Status = domain.MilestoneSubmitted
	m.EvidenceRef = &ref
	m.SubmittedAt = &ts
	m.UpdatedAt = now
	return nil
}

// VerifyMilestone marks a submitted milestone verified.
func VerifyMilestone(m *domain.Milestone, now string) error {
	if m.Status != domain.MilestoneSubmitted {
		return domain.Invalid("milestone %d is %s, expected submitted", m.Sequence, m.Status)
	}
	ts := now
	m.Status = domain.MilestoneVerified
	m.VerifiedAt = &ts
	m.UpdatedAt = now
	return nil
}

// ReviseMilestone sends a submitted milestone back to in_progress with feedback.
func ReviseMilestone(m *domain.Milestone, feedback, now string) error {
	if m.Status != domain.MilestoneSubmitted {
		return domain.Invalid("milestone %d is %s, expected submitted", m.Sequence, m.Status)
	}
	fb := feedback
	m.Status = domain.MilestoneInProgress
	m.Feedback = &fb
	m.UpdatedAt = now
	return nil
}

// CountVerified recounts verified milestones on every call.
func CountVerified(agg *domain.Aggregate) int {
	n := 0
	for _, m := range agg.Milestones {
		if m.Status == domain.MilestoneVerified {
			n++
		}
	}
	return n
}
