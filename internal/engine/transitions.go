package engine

import (
	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
)

// rule is one row of the static transition table. Target is the default and
// may be overridden by dynamic resolution.
type rule struct {
	Event   domain.Event
	Target  domain.State
	Allowed []auth.Class
}

var (
	funderOnly     = []auth.Class{auth.Funder}
	adminOnly      = []auth.Class{auth.Admin}
	labOnly        = []auth.Class{auth.Lab}
	labOrFunder    = []auth.Class{auth.Lab, auth.Funder}
	adminOrArbiter = []auth.Class{auth.Admin, auth.Arbitrator}
)

// table lists legal events per state in the order they are reported to clients.
var table = map[domain.State][]rule{
	domain.StateDrafting: {
		{domain.EventSubmitDraft, domain.StateAdminReview, funderOnly},
		{domain.EventCancelBounty, domain.StateCancelled, funderOnly},
	},
	domain.StateAdminReview: {
		{domain.EventAdminApproveProtocol, domain.StateReadyForFunding, adminOnly},
		{domain.EventAdminRequestChanges, domain.StateDrafting, adminOnly},
		{domain.EventAdminRejectProtocol, domain.StateCancelled, adminOnly},
	},
	domain.StateReadyForFunding: {
		{domain.EventInitiateFunding, domain.StateFundingEscrow, funderOnly},
		{domain.EventCancelBounty, domain.StateCancelled, funderOnly},
	},
	domain.StateFundingEscrow: {
		{domain.EventFundingConfirmed, domain.StateBidding, adminOnly},
		{domain.EventFundingFailed, domain.StateReadyForFunding, adminOnly},
	},
	domain.StateBidding: {
		{domain.EventSelectLab, domain.StateActiveResearch, funderOnly},
		{domain.EventCancelBounty, domain.StateRefunding, funderOnly},
		{domain.EventExtendBidding, domain.StateBidding, funderOnly},
	},
	domain.StateActiveResearch: {
		{domain.EventSubmitMilestone, domain.StateMilestoneReview, labOnly},
		{domain.EventInitiateDispute, domain.StateDisputeResolution, labOrFunder},
	},
	domain.StateMilestoneReview: {
		{domain.EventApproveMilestone, domain.StateActiveResearch, funderOnly},
		{domain.EventRequestRevision, domain.StateActiveResearch, funderOnly},
		{domain.EventInitiateDispute, domain.StateDisputeResolution, funderOnly},
	},
	domain.StateDisputeResolution: {
		{domain.EventResolveDispute, domain.StatePartialSettlement, adminOrArbiter},
	},
	domain.StateCompletedPayout: {
		{domain.EventConfirmPayout, domain.StateCompleted, adminOnly},
	},
}

// LegalEvents returns the events accepted in state, in table order. Terminal
// and settlement states return an empty list.
func LegalEvents(state domain.State) []domain.Event {
	rules := table[state]
	out := make([]domain.Event, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Event)
	}
	return out
}

// PermittedClasses returns who may trigger event in state, or nil if the
// event is not legal there.
func PermittedClasses(state domain.State, event domain.Event) []auth.Class {
	r, ok := lookup(state, event)
	if !ok {
		return nil
	}
	return append([]auth.Class(nil), r.Allowed...)
}

func lookup(state domain.State, event domain.Event) (rule, bool) {
	for _, r := range table[state] {
		if r.Event == event {
			return r, true
		}
	}
	return rule{}, false
}
