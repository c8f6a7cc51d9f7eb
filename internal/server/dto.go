package server

import (
	"encoding/json"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
)

// Request payloads

type MilestoneRequest struct {
	Sequence         int     `json:"sequence,omitempty"`
	Title            string  `json:"title"`
	PayoutPercentage float64 `json:"payout_percentage" example:"60"`
}

type CreateBountyRequest struct {
	ID          *string            `json:"id,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	TotalBudget int64              `json:"total_budget" example:"100000"`
	Currency    string             `json:"currency,omitempty" example:"USD"`
	Milestones  []MilestoneRequest `json:"milestones"`
}

type ApplyEventRequest struct {
	Event string         `json:"event" minLength:"1" doc:"Lifecycle event name, e.g. SUBMIT_DRAFT"`
	Data  map[string]any `json:"data,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type SubmitProposalRequest struct {
	LabID         string `json:"lab_id,omitempty"`
	BidAmount     int64  `json:"bid_amount"`
	StakedAmount  int64  `json:"staked_amount,omitempty"`
	PayoutAddress string `json:"payout_address,omitempty"`
}

type ConfirmDepositRequest struct {
	TxRef string `json:"tx_ref"`
}

type RecordRefundRequest struct {
	Amount int64  `json:"amount"`
	TxRef  string `json:"tx_ref,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"admin,arbitrator"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type TransitionResponse struct {
	PreviousState  domain.State          `json:"previous_state"`
	NewState       domain.State          `json:"new_state"`
	ReleasedAmount int64                 `json:"released_amount,omitempty"`
	Aggregate      domain.Aggregate      `json:"aggregate"`
	Notifications  []domain.Notification `json:"notifications"`
}

type LegalEventsResponse struct {
	State  domain.State   `json:"state"`
	Events []domain.Event `json:"events"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	BountyID   string         `json:"bounty_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func transitionResponse(res engine.Result) TransitionResponse {
	return TransitionResponse{
		PreviousState:  res.PreviousState,
		NewState:       res.NewState,
		ReleasedAmount: res.ReleasedAmount,
		Aggregate:      aggregateResponse(res.Aggregate),
		Notifications:  nonNilSlice(res.Notifications),
	}
}

// aggregateResponse replaces nil child slices so clients always see arrays.
func aggregateResponse(agg domain.Aggregate) domain.Aggregate {
	agg.Bounty.StateHistory = nonNilSlice(agg.Bounty.StateHistory)
	agg.Milestones = nonNilSlice(agg.Milestones)
	agg.Proposals = nonNilSlice(agg.Proposals)
	agg.Disputes = nonNilSlice(agg.Disputes)
	return agg
}

func eventResponse(e domain.EventRecord) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		BountyID:   e.BountyID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func milestoneInputs(in []MilestoneRequest) []engine.MilestoneInput {
	out := make([]engine.MilestoneInput, 0, len(in))
	for _, m := range in {
		out = append(out, engine.MilestoneInput(m))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
