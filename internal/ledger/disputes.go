package ledger

import (
	"strings"

	"bountyline/internal/domain"
)

// OpenDispute appends an open dispute. Only one dispute may be open at a time.
func OpenDispute(agg *domain.Aggregate, d domain.Dispute) (*domain.Dispute, error) {
	if strings.TrimSpace(d.Reason) == "" {
		return nil, domain.Invalid("dispute reason is required")
	}
	if strings.TrimSpace(d.Description) == "" {
		return nil, domain.Invalid("dispute description is required")
	}
	if open := OpenDisputes(agg); len(open) > 0 {
		return nil, domain.Conflict("dispute %s is already open for bounty %s", open[0].ID, agg.Bounty.ID)
	}
	d.BountyID = agg.Bounty.ID
	d.Status = domain.DisputeOpen
	d.Resolution = nil
	agg.Disputes = append(agg.Disputes, d)
	return &agg.Disputes[len(agg.Disputes)-1], nil
}

// OpenDisputes returns pointers to every open dispute on the aggregate.
func OpenDisputes(agg *domain.Aggregate) []*domain.Dispute {
	var out []*domain.Dispute
	for i := range agg.Disputes {
		if agg.Disputes[i].Status == domain.DisputeOpen {
			out = append(out, &agg.Disputes[i])
		}
	}
	return out
}

// ResolveDispute closes the single open dispute with res. A slash amount, when
// given, may not exceed the stake locked by the selected lab.
func ResolveDispute(agg *domain.Aggregate, res domain.Resolution, slash *int64, now string) (*domain.Dispute, error) {
	if !res.Valid() {
		return nil, domain.Invalid("resolution %q must be one of funder_wins, lab_wins, partial_refund", res)
	}
	open := OpenDisputes(agg)
	switch len(open) {
	case 0:
		return nil, domain.Invalid("bounty %s has no open dispute", agg.Bounty.ID)
	case 1:
	default:
		return nil, domain.Conflict("bounty %s has %d open disputes", agg.Bounty.ID, len(open))
	}
	if slash != nil {
		if *slash < 0 {
			return nil, domain.Invalid("slash_amount must be non-negative")
		}
		if locked := LockedStake(agg); *slash > locked {
			return nil, domain.Invalid("slash_amount %d exceeds locked stake %d", *slash, locked)
		}
	}
	d := open[0]
	r := res
	ts := now
	d.Status = domain.DisputeResolved
	d.Resolution = &r
	d.ResolvedAt = &ts
	if slash != nil {
		s := *slash
		d.SlashAmount = &s
	}
	return d, nil
}

// ResolutionTarget maps a dispute outcome to the bounty state it settles into.
func ResolutionTarget(res domain.Resolution) (domain.State, error) {
	switch res {
	case domain.ResolutionFunderWins:
		return domain.StateRefunding, nil
	case domain.ResolutionLabWins:
		return domain.StateCompletedPayout, nil
	case domain.ResolutionPartialRefund:
		return domain.StatePartialSettlement, nil
	default:
		return "", domain.Invalid("unknown resolution %q", res)
	}
}

// LockedStake sums the locked stake entries on the aggregate.
func LockedStake(agg *domain.Aggregate) int64 {
	var total int64
	for _, s := range agg.Stakes {
		if s.Status == StakeLocked {
			total += s.Amount
		}
	}
	return total
}
