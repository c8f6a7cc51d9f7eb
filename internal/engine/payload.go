package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// ErrUnknownEvent is wrapped by DecodePayload for event names outside the
// lifecycle.
var ErrUnknownEvent = errors.New("unknown event")

// Payload is the closed set of event payloads. Each lifecycle event has
// exactly one payload type; the unexported method keeps the set sealed.
type Payload interface {
	Event() domain.Event
	validate() error
}

type SubmitDraft struct{}

type CancelBounty struct {
	Reason string `json:"reason,omitempty"`
}

type AdminApproveProtocol struct {
	Notes string `json:"notes,omitempty"`
}

type AdminRequestChanges struct {
	Notes string `json:"notes"`
}

type AdminRejectProtocol struct {
	Reason string `json:"reason"`
}

type InitiateFunding struct {
	// Rail defaults to the configured rail when empty.
	Rail         string `json:"rail,omitempty"`
	PayerAddress string `json:"payer_address,omitempty"`
}

type FundingConfirmed struct{}

type FundingFailed struct {
	Reason string `json:"reason,omitempty"`
}

type SelectLab struct {
	ProposalID string `json:"proposal_id"`
}

type ExtendBidding struct {
	Reason string `json:"reason,omitempty"`
}

type SubmitMilestone struct {
	MilestoneID string `json:"milestone_id"`
	EvidenceRef string `json:"evidence_ref"`
}

type ApproveMilestone struct {
	MilestoneID string `json:"milestone_id"`
}

type RequestRevision struct {
	MilestoneID string `json:"milestone_id"`
	Feedback    string `json:"feedback"`
}

type InitiateDispute struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type ResolveDispute struct {
	Resolution  domain.Resolution `json:"resolution"`
	SlashAmount *int64            `json:"slash_amount,omitempty"`
	Notes       string            `json:"notes,omitempty"`
}

type ConfirmPayout struct {
	TxRef string `json:"tx_ref,omitempty"`
}

func (SubmitDraft) Event() domain.Event          { return domain.EventSubmitDraft }
func (CancelBounty) Event() domain.Event         { return domain.EventCancelBounty }
func (AdminApproveProtocol) Event() domain.Event { return domain.EventAdminApproveProtocol }
func (AdminRequestChanges) Event() domain.Event  { return domain.EventAdminRequestChanges }
func (AdminRejectProtocol) Event() domain.Event  { return domain.EventAdminRejectProtocol }
func (InitiateFunding) Event() domain.Event      { return domain.EventInitiateFunding }
func (FundingConfirmed) Event() domain.Event     { return domain.EventFundingConfirmed }
func (FundingFailed) Event() domain.Event        { return domain.EventFundingFailed }
func (SelectLab) Event() domain.Event            { return domain.EventSelectLab }
func (ExtendBidding) Event() domain.Event        { return domain.EventExtendBidding }
func (SubmitMilestone) Event() domain.Event      { return domain.EventSubmitMilestone }
func (ApproveMilestone) Event() domain.Event     { return domain.EventApproveMilestone }
func (RequestRevision) Event() domain.Event      { return domain.EventRequestRevision }
func (InitiateDispute) Event() domain.Event      { return domain.EventInitiateDispute }
func (ResolveDispute) Event() domain.Event       { return domain.EventResolveDispute }
func (ConfirmPayout) Event() domain.Event        { return domain.EventConfirmPayout }

func (SubmitDraft) validate() error          { return nil }
func (CancelBounty) validate() error         { return nil }
func (AdminApproveProtocol) validate() error { return nil }
func (FundingConfirmed) validate() error     { return nil }
func (FundingFailed) validate() error        { return nil }
func (ExtendBidding) validate() error        { return nil }
func (ConfirmPayout) validate() error        { return nil }
func (InitiateFunding) validate() error      { return nil }

func (p AdminRequestChanges) validate() error {
	return required("notes", p.Notes)
}

func (p AdminRejectProtocol) validate() error {
	return required("reason", p.Reason)
}

func (p SelectLab) validate() error {
	return required("proposal_id", p.ProposalID)
}

func (p SubmitMilestone) validate() error {
	if err := required("milestone_id", p.MilestoneID); err != nil {
		return err
	}
	return required("evidence_ref", p.EvidenceRef)
}

func (p ApproveMilestone) validate() error {
	return required("milestone_id", p.MilestoneID)
}

func (p RequestRevision) validate() error {
	if err := required("milestone_id", p.MilestoneID); err != nil {
		return err
	}
	return required("feedback", p.Feedback)
}

func (p InitiateDispute) validate() error {
	if err := required("reason", p.Reason); err != nil {
		return err
	}
	return required("description", p.Description)
}

func (p ResolveDispute) validate() error {
	if !p.Resolution.Valid() {
		return domain.Invalid("resolution %q must be one of funder_wins, lab_wins, partial_refund", p.Resolution)
	}
	if p.SlashAmount != nil && *p.SlashAmount < 0 {
		return domain.Invalid("slash_amount must be non-negative")
	}
	return nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return domain.Invalid("%s is required", field)
	}
	return nil
}

// DecodePayload parses raw JSON into the payload type for event. Empty or
// null data decodes to the zero payload.
func DecodePayload(event domain.Event, data json.RawMessage) (Payload, error) {
	switch event {
	case domain.EventSubmitDraft:
		return decodeInto[SubmitDraft](event, data)
	case domain.EventCancelBounty:
		return decodeInto[CancelBounty](event, data)
	case domain.EventAdminApproveProtocol:
		return decodeInto[AdminApproveProtocol](event, data)
	case domain.EventAdminRequestChanges:
		return decodeInto[AdminRequestChanges](event, data)
	case domain.EventAdminRejectProtocol:
		return decodeInto[AdminRejectProtocol](event, data)
	case domain.EventInitiateFunding:
		return decodeInto[InitiateFunding](event, data)
	case domain.EventFundingConfirmed:
		return decodeInto[FundingConfirmed](event, data)
	case domain.EventFundingFailed:
		return decodeInto[FundingFailed](event, data)
	case domain.EventSelectLab:
		return decodeInto[SelectLab](event, data)
	case domain.EventExtendBidding:
		return decodeInto[ExtendBidding](event, data)
	case domain.EventSubmitMilestone:
		return decodeInto[SubmitMilestone](event, data)
	case domain.EventApproveMilestone:
		return decodeInto[ApproveMilestone](event, data)
	case domain.EventRequestRevision:
		return decodeInto[RequestRevision](event, data)
	case domain.EventInitiateDispute:
		return decodeInto[InitiateDispute](event, data)
	case domain.EventResolveDispute:
		return decodeInto[ResolveDispute](event, data)
	case domain.EventConfirmPayout:
		return decodeInto[ConfirmPayout](event, data)
	default:
		e := domain.Invalid("unknown event %q", event)
		e.Err = ErrUnknownEvent
		return nil, e
	}
}

// DecodeEvent decodes data for event like DecodePayload, but reports an
// unknown event name as illegal in the bounty's current state so callers
// receive the legal events.
func (e Engine) DecodeEvent(ctx context.Context, bountyID string, event domain.Event, data json.RawMessage) (Payload, error) {
	p, err := DecodePayload(event, data)
	if !errors.Is(err, ErrUnknownEvent) {
		return p, err
	}
	b, gerr := e.Repo.GetBounty(ctx, bountyID)
	if gerr != nil {
		if errors.Is(gerr, repo.ErrNotFound) {
			return nil, domain.NotFound("bounty %s not found", bountyID)
		}
		return nil, domain.Internal(gerr, "load bounty %s", bountyID)
	}
	return nil, domain.IllegalTransition(b.State, event, LegalEvents(b.State))
}

func decodeInto[T Payload](event domain.Event, data json.RawMessage) (Payload, error) {
	var p T
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return p, nil
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, domain.Invalid("invalid data for %s: %v", event, err)
	}
	return p, nil
}
