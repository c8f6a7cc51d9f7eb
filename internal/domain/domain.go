package domain

// State is a bounty lifecycle state.
type State string

const (
	StateDrafting          State = "drafting"
	StateAdminReview       State = "admin_review"
	StateReadyForFunding   State = "ready_for_funding"
	StateFundingEscrow     State = "funding_escrow"
	StateBidding           State = "bidding"
	StateActiveResearch    State = "active_research"
	StateMilestoneReview   State = "milestone_review"
	StateDisputeResolution State = "dispute_resolution"
	StateCompletedPayout   State = "completed_payout"
	StateCompleted         State = "completed"
	StateCancelled         State = "cancelled"
	StateRefunding         State = "refunding"
	StatePartialSettlement State = "partial_settlement"
)

// AllStates lists every lifecycle state in declaration order.
var AllStates = []State{
	StateDrafting, StateAdminReview, StateReadyForFunding, StateFundingEscrow, StateBidding,
	StateActiveResearch, StateMilestoneReview, StateDisputeResolution, StateCompletedPayout,
	StateCompleted, StateCancelled, StateRefunding, StatePartialSettlement,
}

// Terminal reports whether no event can leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Event names a lifecycle event.
type Event string

const (
	EventSubmitDraft          Event = "SUBMIT_DRAFT"
	EventCancelBounty         Event = "CANCEL_BOUNTY"
	EventAdminApproveProtocol Event = "ADMIN_APPROVE_PROTOCOL"
	EventAdminRequestChanges  Event = "ADMIN_REQUEST_CHANGES"
	EventAdminRejectProtocol  Event = "ADMIN_REJECT_PROTOCOL"
	EventInitiateFunding      Event = "INITIATE_FUNDING"
	EventFundingConfirmed     Event = "FUNDING_CONFIRMED"
	EventFundingFailed        Event = "FUNDING_FAILED"
	EventSelectLab            Event = "SELECT_LAB"
	EventExtendBidding        Event = "EXTEND_BIDDING"
	EventSubmitMilestone      Event = "SUBMIT_MILESTONE"
	EventInitiateDispute      Event = "INITIATE_DISPUTE"
	EventApproveMilestone     Event = "APPROVE_MILESTONE"
	EventRequestRevision      Event = "REQUEST_REVISION"
	EventResolveDispute       Event = "RESOLVE_DISPUTE"
	EventConfirmPayout        Event = "CONFIRM_PAYOUT"
)

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneVerified   MilestoneStatus = "verified"
)

type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
)

type EscrowStatus string

const (
	EscrowPending           EscrowStatus = "pending"
	EscrowLocked            EscrowStatus = "locked"
	EscrowPartiallyReleased EscrowStatus = "partially_released"
	EscrowFullyReleased     EscrowStatus = "fully_released"
)

// Funded reports whether the deposit has been confirmed.
func (s EscrowStatus) Funded() bool {
	switch s {
	case EscrowLocked, EscrowPartiallyReleased, EscrowFullyReleased:
		return true
	default:
		return false
	}
}

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Resolution is the financial outcome of a dispute.
type Resolution string

const (
	ResolutionFunderWins    Resolution = "funder_wins"
	ResolutionLabWins       Resolution = "lab_wins"
	ResolutionPartialRefund Resolution = "partial_refund"
)

// Valid reports whether r is one of the three defined outcomes.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionFunderWins, ResolutionLabWins, ResolutionPartialRefund:
		return true
	default:
		return false
	}
}

// ScreeningDecision is the verdict of intake screening.
type ScreeningDecision string

const (
	ScreeningAllow        ScreeningDecision = "allow"
	ScreeningManualReview ScreeningDecision = "manual_review"
	ScreeningReject       ScreeningDecision = "reject"
)

// Platform roles resolved from RBAC or token claims.
const (
	RoleAdmin      = "admin"
	RoleArbitrator = "arbitrator"
)

// Actor is an already-authenticated caller.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the actor carries role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Bounty struct {
	ID                string            `json:"id"`
	FunderID          string            `json:"funder_id"`
	Title             string            `json:"title"`
	Description       string            `json:"description,omitempty"`
	SelectedLabID     *string           `json:"selected_lab_id,omitempty"`
	LabOwnerID        *string           `json:"lab_owner_id,omitempty"`
	State             State             `json:"state" enum:"drafting,admin_review,ready_for_funding,funding_escrow,bidding,active_research,milestone_review,dispute_resolution,completed_payout,completed,cancelled,refunding,partial_settlement"`
	TotalBudget       int64             `json:"total_budget"`
	Currency          string            `json:"currency"`
	ScreeningDecision ScreeningDecision `json:"screening_decision,omitempty"`
	Version           int64             `json:"version"`
	StateHistory      []StateEntry      `json:"state_history"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

// StateEntry is one append-only audit record of a state change.
type StateEntry struct {
	State  State  `json:"state"`
	TS     string `json:"timestamp" format:"date-time"`
	Actor  string `json:"actor"`
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Milestone struct {
	ID               string          `json:"id"`
	BountyID         string          `json:"bounty_id"`
	Sequence         int             `json:"sequence"`
	Title            string          `json:"title"`
	PayoutPercentage float64         `json:"payout_percentage"`
	Status           MilestoneStatus `json:"status" enum:"pending,in_progress,submitted,verified"`
	EvidenceRef      *string         `json:"evidence_ref,omitempty"`
	Feedback         *string         `json:"feedback,omitempty"`
	SubmittedAt      *string         `json:"submitted_at,omitempty" format:"date-time"`
	VerifiedAt       *string         `json:"verified_at,omitempty" format:"date-time"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

type Proposal struct {
	ID              string         `json:"id"`
	BountyID        string         `json:"bounty_id"`
	LabID           string         `json:"lab_id"`
	LabOwnerID      string         `json:"lab_owner_id"`
	Status          ProposalStatus `json:"status" enum:"pending,accepted,rejected,withdrawn"`
	BidAmount       int64          `json:"bid_amount"`
	StakedAmount    int64          `json:"staked_amount"`
	PayoutAddress   string         `json:"payout_address,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

type Escrow struct {
	ID             string       `json:"id"`
	BountyID       string       `json:"bounty_id"`
	Rail           string       `json:"rail"`
	TotalAmount    int64        `json:"total_amount"`
	FeeAmount      int64        `json:"fee_amount"`
	ReleasedAmount int64        `json:"released_amount"`
	RefundedAmount int64        `json:"refunded_amount"`
	Status         EscrowStatus `json:"status" enum:"pending,locked,partially_released,fully_released"`
	PayerAddress   string       `json:"payer_address,omitempty"`
	DepositAddress string       `json:"deposit_address,omitempty"`
	DepositTxRef   string       `json:"deposit_tx_ref,omitempty"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
}

// Payable is the portion of the escrow owed to the lab, i.e. the total without the platform fee.
func (e Escrow) Payable() int64 {
	return e.TotalAmount - e.FeeAmount
}

type Dispute struct {
	ID          string        `json:"id"`
	BountyID    string        `json:"bounty_id"`
	InitiatorID string        `json:"initiator_id"`
	Reason      string        `json:"reason"`
	Description string        `json:"description"`
	Status      DisputeStatus `json:"status" enum:"open,resolved"`
	Resolution  *Resolution   `json:"resolution,omitempty"`
	SlashAmount *int64        `json:"slash_amount,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	ResolvedAt  *string       `json:"resolved_at,omitempty" format:"date-time"`
}

// StakeEntry records collateral locked by a lab on selection.
type StakeEntry struct {
	ID         string `json:"id"`
	BountyID   string `json:"bounty_id"`
	ProposalID string `json:"proposal_id"`
	LabID      string `json:"lab_id"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type LineItemKind string

const (
	LineItemRelease LineItemKind = "release"
	LineItemRefund  LineItemKind = "refund"
)

// EscrowLineItem is an immutable audit record of funds leaving the escrow.
type EscrowLineItem struct {
	ID          string       `json:"id"`
	EscrowID    string       `json:"escrow_id"`
	BountyID    string       `json:"bounty_id"`
	MilestoneID *string      `json:"milestone_id,omitempty"`
	Kind        LineItemKind `json:"kind"`
	Amount      int64        `json:"amount"`
	TxRef       string       `json:"tx_ref,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

// Aggregate is a bounty with all the child entities it owns.
type Aggregate struct {
	Bounty     Bounty           `json:"bounty"`
	Milestones []Milestone      `json:"milestones"`
	Proposals  []Proposal       `json:"proposals"`
	Escrow     *Escrow          `json:"escrow,omitempty"`
	Disputes   []Dispute        `json:"disputes"`
	Stakes     []StakeEntry     `json:"stakes,omitempty"`
	LineItems  []EscrowLineItem `json:"line_items,omitempty"`
}

// Notification is a message for the delivery collaborator.
type Notification struct {
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// EventRecord is one row of the append-only event log.
type EventRecord struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BountyID   string `json:"bounty_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
