package ledger

import (
	"strings"

	"bountyline/internal/domain"
)

// RejectionReasonSelected tags proposals rejected because a sibling was accepted.
const RejectionReasonSelected = "Another proposal was selected"

// StakeLocked is the status of a stake entry held until the bounty settles.
const StakeLocked = "locked"

// FindProposal returns the proposal with id owned by the aggregate.
func FindProposal(agg *domain.Aggregate, id string) (*domain.Proposal, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.Invalid("proposal_id is required")
	}
	for i := range agg.Proposals {
		if agg.Proposals[i].ID == id {
			return &agg.Proposals[i], nil
		}
	}
	return nil, domain.NotFound("proposal %s not found on bounty %s", id, agg.Bounty.ID)
}

// AcceptProposal accepts one pending proposal and rejects every other
// non-withdrawn sibling in the same step. It returns the accepted proposal.
func AcceptProposal(agg *domain.Aggregate, proposalID, now string) (*domain.Proposal, error) {
	p, err := FindProposal(agg, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProposalPending {
		return nil, domain.Invalid("proposal %s is %s, expected pending", p.ID, p.Status)
	}
	for i := range agg.Proposals {
		sib := &agg.Proposals[i]
		if sib.ID == proposalID {
			sib.Status = domain.ProposalAccepted
			sib.RejectionReason = ""
			sib.UpdatedAt = now
			continue
		}
		if sib.Status == domain.ProposalWithdrawn {
			continue
		}
		sib.Status = domain.ProposalRejected
		sib.RejectionReason = RejectionReasonSelected
		sib.UpdatedAt = now
	}
	return p, nil
}

// LockStake returns the stake-ledger entry for an accepted proposal.
func LockStake(p domain.Proposal, id, now string) domain.StakeEntry {
	return domain.StakeEntry{
		ID:         id,
		BountyID:   p.BountyID,
		ProposalID: p.ID,
		LabID:      p.LabID,
		Amount:     p.StakedAmount,
		Status:     StakeLocked,
		CreatedAt:  now,
	}
}

// AcceptedProposal returns the accepted proposal, if any.
func AcceptedProposal(agg *domain.Aggregate) *domain.Proposal {
	for i := range agg.Proposals {
		if agg.Proposals[i].Status == domain.ProposalAccepted {
			return &agg.Proposals[i]
		}
	}
	return nil
}

// ValidateProposal checks a new bid before it is attached to a bounty.
func ValidateProposal(agg *domain.Aggregate, p domain.Proposal) error {
	if strings.TrimSpace(p.LabID) == "" {
		return domain.Invalid("lab_id is required")
	}
	if strings.TrimSpace(p.LabOwnerID) == "" {
		return domain.Invalid("lab owner is required")
	}
	if p.BidAmount <= 0 {
		return domain.Invalid("bid_amount must be positive")
	}
	if p.StakedAmount < 0 {
		return domain.Invalid("staked_amount must be non-negative")
	}
	for _, existing := range agg.Proposals {
		if existing.LabID == p.LabID && existing.Status == domain.ProposalPending {
			return domain.Conflict("lab %s already has a pending proposal", p.LabID)
		}
	}
	return nil
}

// WithdrawProposal withdraws a pending proposal.
func WithdrawProposal(p *domain.Proposal, now string) error {
	if p.Status != domain.ProposalPending {
		return domain.Invalid("proposal %s is %s, only pending proposals can be withdrawn", p.ID, p.Status)
	}
	p.Status = domain.ProposalWithdrawn
	p.UpdatedAt = now
	return nil
}
