package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
)

type MilestoneInput struct {
	Sequence         int     `json:"sequence,omitempty"`
	Title            string  `json:"title"`
	PayoutPercentage float64 `json:"payout_percentage"`
}

type CreateBountyOptions struct {
	ID          string
	Actor       domain.Actor
	Title       string
	Description string
	TotalBudget int64
	Currency    string
	Milestones  []MilestoneInput
}

// CreateBounty stores a new drafting bounty funded by the acting user.
// Milestones without a sequence are numbered in the order given.
func (e Engine) CreateBounty(ctx context.Context, opts CreateBountyOptions) (domain.Aggregate, error) {
	actorID := strings.TrimSpace(opts.Actor.ID)
	if actorID == "" {
		return domain.Aggregate{}, domain.Unauthenticated("actor identity required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Aggregate{}, domain.Invalid("title is required")
	}
	if opts.TotalBudget <= 0 {
		return domain.Aggregate{}, domain.Invalid("total_budget must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if currency == "" && e.Config != nil {
		currency = e.Config.Platform.Currency
	}
	if currency == "" {
		return domain.Aggregate{}, domain.Invalid("currency is required")
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = e.newID()
	} else if _, err := e.Repo.GetBounty(ctx, id); err == nil {
		return domain.Aggregate{}, domain.Conflict("bounty %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Aggregate{}, domain.Internal(err, "check bounty %s", id)
	}

	now := e.timestamp()
	ms := make([]domain.Milestone, len(opts.Milestones))
	for i, in := range opts.Milestones {
		seq := in.Sequence
		if seq == 0 {
			seq = i + 1
		}
		ms[i] = domain.Milestone{
			ID:               e.newID(),
			BountyID:         id,
			Sequence:         seq,
			Title:            strings.TrimSpace(in.Title),
			PayoutPercentage: in.PayoutPercentage,
			Status:           domain.MilestonePending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}
	if err := ledger.ValidatePlan(ms); err != nil {
		return domain.Aggregate{}, err
	}
	agg := domain.Aggregate{
		Bounty: domain.Bounty{
			ID:          id,
			FunderID:    actorID,
			Title:       strings.TrimSpace(opts.Title),
			Description: strings.TrimSpace(opts.Description),
			State:       domain.StateDrafting,
			TotalBudget: opts.TotalBudget,
			Currency:    currency,
			StateHistory: []domain.StateEntry{{
				State:  domain.StateDrafting,
				TS:     now,
				Actor:  actorID,
				Action: "created",
			}},
			CreatedAt: now,
			UpdatedAt: now,
		},
		Milestones: ms,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Aggregate{}, domain.Internal(err, "begin transaction")
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBounty(ctx, tx, agg); err != nil {
		return domain.Aggregate{}, domain.Internal(err, "insert bounty")
	}
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, "bounty.created", id, "bounty", id, actorID, events.EventPayload{
		"title":        agg.Bounty.Title,
		"total_budget": agg.Bounty.TotalBudget,
		"currency":     currency,
		"milestones":   len(ms),
	}); err != nil {
		return domain.Aggregate{}, domain.Internal(err, "append event")
	}
	if err := tx.Commit(); err != nil {
		return domain.Aggregate{}, domain.Internal(err, "commit bounty %s", id)
	}
	e.Log.Info().Str("bounty_id", id).Str("actor", actorID).Msg("bounty created")
	return agg, nil
}

// DeleteBounty removes a bounty that never left drafting.
func (e Engine) DeleteBounty(ctx context.Context, bountyID string, actor domain.Actor) error {
	agg, err := e.load(ctx, bountyID)
	if err != nil {
		return err
	}
	if err := auth.Check(actor, agg.Bounty, "delete bounty", auth.Funder); err != nil {
		return err
	}
	if agg.Bounty.State != domain.StateDrafting {
		return domain.Invalid("bounty %s is %s; only drafting bounties can be deleted", bountyID, agg.Bounty.State)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Internal(err, "begin transaction")
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteBounty(ctx, tx, bountyID, agg.Bounty.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Conflict("bounty %s changed since it was read; retry", bountyID)
		}
		return domain.Internal(err, "delete bounty %s", bountyID)
	}
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, "bounty.deleted", bountyID, "bounty", bountyID, actor.ID, events.EventPayload{"title": agg.Bounty.Title}); err != nil {
		return domain.Internal(err, "append event")
	}
	if err := tx.Commit(); err != nil {
		return domain.Internal(err, "commit delete of %s", bountyID)
	}
	return nil
}

// GetAggregate loads a bounty with every child entity.
func (e Engine) GetAggregate(ctx context.Context, bountyID string) (domain.Aggregate, error) {
	return e.load(ctx, bountyID)
}

// History returns the state history of a bounty, oldest first.
func (e Engine) History(ctx context.Context, bountyID string) ([]domain.StateEntry, error) {
	if _, err := e.load(ctx, bountyID); err != nil {
		return nil, err
	}
	entries, err := e.Repo.ListHistory(ctx, bountyID)
	if err != nil {
		return nil, domain.Internal(err, "list history for %s", bountyID)
	}
	return entries, nil
}

// mutate applies fn to a loaded aggregate without changing its state and
// persists the result under the same version guard as a transition.
func (e Engine) mutate(ctx context.Context, bountyID string, actor domain.Actor, evtType string, fn func(agg *domain.Aggregate, now string) (events.EventPayload, []domain.Notification, error)) (domain.Aggregate, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.Aggregate{}, domain.Unauthenticated("actor identity required")
	}
	agg, err := e.load(ctx, bountyID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	snap := snapshotOf(agg)
	now := e.timestamp()
	payload, notes, err := fn(&agg, now)
	if err != nil {
		return domain.Aggregate{}, err
	}
	agg.Bounty.UpdatedAt = now
	if err := e.commit(ctx, &agg, snap, actor.ID, evtType, payload); err != nil {
		return domain.Aggregate{}, err
	}
	e.dispatch(ctx, notes)
	return agg, nil
}

type SubmitProposalOptions struct {
	BountyID      string
	Actor         domain.Actor
	LabID         string
	BidAmount     int64
	StakedAmount  int64
	PayoutAddress string
}

// SubmitProposal attaches a pending bid to a bounty that is open for bidding.
// LabID defaults to the acting user.
func (e Engine) SubmitProposal(ctx context.Context, opts SubmitProposalOptions) (domain.Proposal, error) {
	var created domain.Proposal
	_, err := e.mutate(ctx, opts.BountyID, opts.Actor, "proposal.submitted", func(agg *domain.Aggregate, now string) (events.EventPayload, []domain.Notification, error) {
		if agg.Bounty.State != domain.StateBidding {
			return nil, nil, domain.Invalid("bounty %s is %s and not accepting proposals", agg.Bounty.ID, agg.Bounty.State)
		}
		if opts.Actor.ID == agg.Bounty.FunderID {
			return nil, nil, domain.Forbidden("the funder may not bid on their own bounty")
		}
		labID := strings.TrimSpace(opts.LabID)
		if labID == "" {
			labID = opts.Actor.ID
		}
		p := domain.Proposal{
			ID:            e.newID(),
			BountyID:      agg.Bounty.ID,
			LabID:         labID,
			LabOwnerID:    opts.Actor.ID,
			Status:        domain.ProposalPending,
			BidAmount:     opts.BidAmount,
			StakedAmount:  opts.StakedAmount,
			PayoutAddress: strings.TrimSpace(opts.PayoutAddress),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := ledger.ValidateProposal(agg, p); err != nil {
			return nil, nil, err
		}
		agg.Proposals = append(agg.Proposals, p)
		created = p
		note := domain.Notification{
			UserID:  agg.Bounty.FunderID,
			Type:    "proposal_submitted",
			Title:   "New proposal",
			Message: fmt.Sprintf("Lab %s bid %d %s.", labID, p.BidAmount, agg.Bounty.Currency),
			Data:    map[string]any{"bounty_id": agg.Bounty.ID, "proposal_id": p.ID},
		}
		return events.EventPayload{"proposal_id": p.ID, "lab_id": labID, "bid_amount": p.BidAmount, "staked_amount": p.StakedAmount},
			[]domain.Notification{note}, nil
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	return created, nil
}

// WithdrawProposal lets a lab owner pull a pending bid while bidding is open.
func (e Engine) WithdrawProposal(ctx context.Context, bountyID, proposalID string, actor domain.Actor) (domain.Proposal, error) {
	var withdrawn domain.Proposal
	_, err := e.mutate(ctx, bountyID, actor, "proposal.withdrawn", func(agg *domain.Aggregate, now string) (events.EventPayload, []domain.Notification, error) {
		if agg.Bounty.State != domain.StateBidding {
			return nil, nil, domain.Invalid("bounty %s is %s; proposals can only be withdrawn while bidding", agg.Bounty.ID, agg.Bounty.State)
		}
		p, err := ledger.FindProposal(agg, proposalID)
		if err != nil {
			return nil, nil, err
		}
		if p.LabOwnerID != actor.ID {
			return nil, nil, domain.Forbidden("actor %s does not own proposal %s", actor.ID, p.ID)
		}
		if err := ledger.WithdrawProposal(p, now); err != nil {
			return nil, nil, err
		}
		withdrawn = *p
		return events.EventPayload{"proposal_id": p.ID, "lab_id": p.LabID}, nil, nil
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	return withdrawn, nil
}

// ConfirmDeposit verifies the funder's deposit on the escrow's rail and locks
// the escrow. FUNDING_CONFIRMED is accepted only afterwards.
func (e Engine) ConfirmDeposit(ctx context.Context, bountyID, txRef string, actor domain.Actor) (domain.Escrow, error) {
	agg, err := e.mutate(ctx, bountyID, actor, "escrow.locked", func(agg *domain.Aggregate, now string) (events.EventPayload, []domain.Notification, error) {
		if err := auth.Check(actor, agg.Bounty, "confirm deposit", auth.Funder, auth.Admin); err != nil {
			return nil, nil, err
		}
		if agg.Bounty.State != domain.StateFundingEscrow {
			return nil, nil, domain.Invalid("bounty %s is %s; deposits are confirmed during %s", agg.Bounty.ID, agg.Bounty.State, domain.StateFundingEscrow)
		}
		if err := required("tx_ref", txRef); err != nil {
			return nil, nil, err
		}
		esc := agg.Escrow
		if esc == nil {
			return nil, nil, domain.Invalid("bounty %s has no escrow; initiate funding first", agg.Bounty.ID)
		}
		if esc.Status.Funded() {
			return nil, nil, domain.Conflict("escrow %s is already %s", esc.ID, esc.Status)
		}
		rail, err := e.Rails.Get(esc.Rail)
		if err != nil {
			return nil, nil, domain.Internal(err, "resolve rail")
		}
		if err := rail.VerifyDeposit(ctx, txRef, esc.TotalAmount); err != nil {
			return nil, nil, domain.Invalid("deposit %s could not be verified: %v", txRef, err)
		}
		if err := ledger.LockEscrow(esc, txRef, now); err != nil {
			return nil, nil, err
		}
		return events.EventPayload{"escrow_id": esc.ID, "tx_ref": txRef, "total_amount": esc.TotalAmount}, nil, nil
	})
	if err != nil {
		return domain.Escrow{}, err
	}
	return *agg.Escrow, nil
}

// RecordRefund books funds returned to the funder once a bounty is refunding
// or partially settled.
func (e Engine) RecordRefund(ctx context.Context, bountyID string, amount int64, txRef string, actor domain.Actor) (domain.EscrowLineItem, error) {
	var item domain.EscrowLineItem
	_, err := e.mutate(ctx, bountyID, actor, "escrow.refunded", func(agg *domain.Aggregate, now string) (events.EventPayload, []domain.Notification, error) {
		if err := auth.Check(actor, agg.Bounty, "record refund", auth.Admin); err != nil {
			return nil, nil, err
		}
		switch agg.Bounty.State {
		case domain.StateRefunding, domain.StatePartialSettlement:
		default:
			return nil, nil, domain.Invalid("bounty %s is %s; refunds are recorded in %s or %s", agg.Bounty.ID, agg.Bounty.State, domain.StateRefunding, domain.StatePartialSettlement)
		}
		if agg.Escrow == nil {
			return nil, nil, domain.Invalid("bounty %s has no escrow", agg.Bounty.ID)
		}
		li, err := ledger.RecordRefund(agg.Escrow, amount, txRef, e.newID(), now)
		if err != nil {
			return nil, nil, err
		}
		agg.LineItems = append(agg.LineItems, li)
		item = li
		note := domain.Notification{
			UserID:  agg.Bounty.FunderID,
			Type:    "refund_recorded",
			Title:   "Refund recorded",
			Message: fmt.Sprintf("%d %s was refunded.", amount, agg.Bounty.Currency),
			Data:    map[string]any{"bounty_id": agg.Bounty.ID, "amount": amount, "tx_ref": txRef},
		}
		return events.EventPayload{"escrow_id": agg.Escrow.ID, "amount": amount, "tx_ref": txRef}, []domain.Notification{note}, nil
	})
	if err != nil {
		return domain.EscrowLineItem{}, err
	}
	return item, nil
}
