// Package ledger holds the settlement rules that the transition engine applies
// to a bounty aggregate: escrow accounting, milestone sequencing, proposal
// arbitration and dispute outcomes. Functions here mutate the aggregate in
// memory only; persistence is the caller's concern.
package ledger

import (
	"math"

	"bountyline/internal/domain"
)

// DefaultFeePercent is the platform fee added on top of the committed budget.
const DefaultFeePercent = 5.0

// FundingTotal returns the amount the funder deposits for budget and the fee
// portion of it. The fee is added, never deducted.
func FundingTotal(budget int64, feePercent float64) (total, fee int64) {
	if feePercent < 0 {
		feePercent = 0
	}
	fee = int64(math.Round(float64(budget) * feePercent / 100))
	return budget + fee, fee
}

// NewEscrow builds a pending escrow for a bounty about to be funded.
func NewEscrow(id string, b domain.Bounty, rail string, feePercent float64, now string) domain.Escrow {
	total, fee := FundingTotal(b.TotalBudget, feePercent)
	return domain.Escrow{
		ID:          id,
		BountyID:    b.ID,
		Rail:        rail,
		TotalAmount: total,
		FeeAmount:   fee,
		Status:      domain.EscrowPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// LockEscrow records a verified deposit.
func LockEscrow(esc *domain.Escrow, txRef, now string) error {
	if esc == nil {
		return domain.Invalid("escrow has not been initialised")
	}
	if esc.Status != domain.EscrowPending {
		return domain.Conflict("escrow %s is already %s", esc.ID, esc.Status)
	}
	esc.Status = domain.EscrowLocked
	esc.DepositTxRef = txRef
	esc.UpdatedAt = now
	return nil
}

// MilestonePayout is the share of the committed budget owed for a milestone.
// The platform fee never contributes to payouts.
func MilestonePayout(budget int64, pct float64) int64 {
	return int64(math.Round(float64(budget) * pct / 100))
}

// PlanRelease computes the amount to release when milestone m is approved.
// The last unverified milestone receives whatever remains payable so that
// rounding of percentages cannot strand funds in the escrow.
func PlanRelease(agg *domain.Aggregate, m domain.Milestone) (int64, error) {
	esc := agg.Escrow
	if esc == nil || !esc.Status.Funded() {
		return 0, domain.Invalid("escrow for bounty %s is not funded", agg.Bounty.ID)
	}
	remaining := esc.Payable() - esc.ReleasedAmount
	if remaining <= 0 {
		return 0, nil
	}
	if isLastOutstanding(agg.Milestones, m.ID) {
		return remaining, nil
	}
	amount := MilestonePayout(agg.Bounty.TotalBudget, m.PayoutPercentage)
	if amount > remaining {
		amount = remaining
	}
	return amount, nil
}

func isLastOutstanding(ms []domain.Milestone, id string) bool {
	for _, m := range ms {
		if m.ID != id && m.Status != domain.MilestoneVerified {
			return false
		}
	}
	return true
}

// Release adds amount to the released total and returns the immutable line
// item describing it. released_amount never decreases and never exceeds the
// payable portion of the escrow.
func Release(esc *domain.Escrow, amount int64, milestoneID, txRef, lineID, now string) (domain.EscrowLineItem, error) {
	if esc == nil || !esc.Status.Funded() {
		return domain.EscrowLineItem{}, domain.Invalid("escrow is not funded")
	}
	if amount < 0 {
		return domain.EscrowLineItem{}, domain.Invalid("release amount must be non-negative")
	}
	if esc.ReleasedAmount+amount > esc.Payable() {
		return domain.EscrowLineItem{}, domain.Invalid("release of %d exceeds remaining escrow %d", amount, esc.Payable()-esc.ReleasedAmount)
	}
	esc.ReleasedAmount += amount
	if esc.ReleasedAmount >= esc.Payable() {
		esc.Status = domain.EscrowFullyReleased
	} else {
		esc.Status = domain.EscrowPartiallyReleased
	}
	esc.UpdatedAt = now
	mid := milestoneID
	return domain.EscrowLineItem{
		ID:          lineID,
		EscrowID:    esc.ID,
		BountyID:    esc.BountyID,
		MilestoneID: &mid,
		Kind:        domain.LineItemRelease,
		Amount:      amount,
		TxRef:       txRef,
		CreatedAt:   now,
	}, nil
}

// RecordRefund appends a refund completed by an external rail. The released
// total is untouched; refunds and releases together cannot exceed the total.
func RecordRefund(esc *domain.Escrow, amount int64, txRef, lineID, now string) (domain.EscrowLineItem, error) {
	if esc == nil || !esc.Status.Funded() {
		return domain.EscrowLineItem{}, domain.Invalid("escrow is not funded")
	}
	if amount <= 0 {
		return domain.EscrowLineItem{}, domain.Invalid("refund amount must be positive")
	}
	if esc.ReleasedAmount+esc.RefundedAmount+amount > esc.TotalAmount {
		return domain.EscrowLineItem{}, domain.Invalid("refund of %d exceeds escrow balance %d", amount, esc.TotalAmount-esc.ReleasedAmount-esc.RefundedAmount)
	}
	esc.RefundedAmount += amount
	esc.UpdatedAt = now
	return domain.EscrowLineItem{
		ID:        lineID,
		EscrowID:  esc.ID,
		BountyID:  esc.BountyID,
		Kind:      domain.LineItemRefund,
		Amount:    amount,
		TxRef:     txRef,
		CreatedAt: now,
	}, nil
}
