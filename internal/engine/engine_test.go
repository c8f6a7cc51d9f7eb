package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/rails"
	"bountyline/internal/screening"
)

const (
	funderID   = "funder-1"
	labOwnerID = "lab-owner-1"
	rivalID    = "lab-owner-2"
	budget     = int64(100_000)
	longText   = "Characterise enzyme kinetics across three temperature regimes with replicates."
)

var (
	funder     = domain.Actor{ID: funderID}
	labOwner   = domain.Actor{ID: labOwnerID}
	rival      = domain.Actor{ID: rivalID}
	stranger   = domain.Actor{ID: "stranger"}
	admin      = domain.Actor{ID: "admin-1", Roles: []string{domain.RoleAdmin}}
	arbitrator = domain.Actor{ID: "arb-1", Roles: []string{domain.RoleArbitrator}}
)

type release struct {
	amount    int64
	recipient string
}

type fakeRail struct {
	releases    []release
	releaseErr  error
	rejectTxRef string
}

func (f *fakeRail) Name() string { return config.RailManual }

func (f *fakeRail) InitializeDeposit(_ context.Context, bountyID, _ string, amount int64) (rails.Deposit, error) {
	return rails.Deposit{Address: "fake:" + bountyID, ExpectedAmount: amount}, nil
}

func (f *fakeRail) VerifyDeposit(_ context.Context, txRef string, _ int64) error {
	if txRef == f.rejectTxRef {
		return errors.New("transaction not found")
	}
	return nil
}

func (f *fakeRail) ReleaseFunds(_ context.Context, _ string, amount int64, recipient string) (string, error) {
	if f.releaseErr != nil {
		return "", f.releaseErr
	}
	f.releases = append(f.releases, release{amount: amount, recipient: recipient})
	return fmt.Sprintf("tx-%d", len(f.releases)), nil
}

type recorder struct {
	sent []domain.Notification
	err  error
}

func (r *recorder) Notify(_ context.Context, n domain.Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recorder) types(userID string) []string {
	var out []string
	for _, n := range r.sent {
		if n.UserID == userID {
			out = append(out, n.Type)
		}
	}
	return out
}

type hookScreener struct {
	next   screening.Screener
	before func()
}

func (h hookScreener) Screen(ctx context.Context, d screening.Draft) (screening.Result, error) {
	if h.before != nil {
		h.before()
	}
	return h.next.Screen(ctx, d)
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Rail     *fakeRail
	Notified *recorder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Log = zerolog.Nop()
	rail := &fakeRail{rejectTxRef: "bogus"}
	eng.Rails = rails.NewRegistry(rail)
	rec := &recorder{}
	eng.Notifier = rec
	return testEnv{Engine: eng, Ctx: ctx, Rail: rail, Notified: rec}
}

func (env testEnv) create(t *testing.T, description string, pcts ...float64) domain.Aggregate {
	t.Helper()
	var ms []engine.MilestoneInput
	for i, p := range pcts {
		ms = append(ms, engine.MilestoneInput{Title: fmt.Sprintf("Milestone %d", i+1), PayoutPercentage: p})
	}
	agg, err := env.Engine.CreateBounty(env.Ctx, engine.CreateBountyOptions{
		Actor:       funder,
		Title:       "Enzyme kinetics",
		Description: description,
		TotalBudget: budget,
		Milestones:  ms,
	})
	require.NoError(t, err)
	return agg
}

func (env testEnv) apply(t *testing.T, bountyID string, actor domain.Actor, p engine.Payload) engine.Result {
	t.Helper()
	res, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: bountyID, Actor: actor, Payload: p})
	require.NoError(t, err)
	return res
}

// toBidding drives a fresh bounty through review and funding.
func (env testEnv) toBidding(t *testing.T, pcts ...float64) domain.Aggregate {
	t.Helper()
	agg := env.create(t, longText, pcts...)
	id := agg.Bounty.ID
	env.apply(t, id, funder, engine.SubmitDraft{})
	env.apply(t, id, admin, engine.AdminApproveProtocol{Notes: "ok"})
	env.apply(t, id, funder, engine.InitiateFunding{})
	_, err := env.Engine.ConfirmDeposit(env.Ctx, id, "wire-1", funder)
	require.NoError(t, err)
	res := env.apply(t, id, admin, engine.FundingConfirmed{})
	require.Equal(t, domain.StateBidding, res.NewState)
	return res.Aggregate
}

// toActive adds two proposals and selects the first.
func (env testEnv) toActive(t *testing.T, pcts ...float64) (domain.Aggregate, domain.Proposal, domain.Proposal) {
	t.Helper()
	agg := env.toBidding(t, pcts...)
	p1, err := env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{
		BountyID: agg.Bounty.ID, Actor: labOwner, LabID: "lab-a", BidAmount: 95_000, StakedAmount: 5_000, PayoutAddress: "lab-a-wallet",
	})
	require.NoError(t, err)
	p2, err := env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{
		BountyID: agg.Bounty.ID, Actor: rival, LabID: "lab-b", BidAmount: 90_000,
	})
	require.NoError(t, err)
	res := env.apply(t, agg.Bounty.ID, funder, engine.SelectLab{ProposalID: p1.ID})
	return res.Aggregate, p1, p2
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, domain.KindOf(err), err.Error())
}

func findProposal(t *testing.T, agg domain.Aggregate, id string) domain.Proposal {
	t.Helper()
	for _, p := range agg.Proposals {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("proposal %s not in aggregate", id)
	return domain.Proposal{}
}

func TestMilestoneLifecycleToCompletion(t *testing.T) {
	env := newTestEnv(t)
	agg, p1, p2 := env.toActive(t, 60, 40)
	id := agg.Bounty.ID

	assert.Equal(t, domain.StateActiveResearch, agg.Bounty.State)
	assert.Equal(t, domain.ProposalAccepted, findProposal(t, agg, p1.ID).Status)
	rejected := findProposal(t, agg, p2.ID)
	assert.Equal(t, domain.ProposalRejected, rejected.Status)
	assert.Equal(t, "Another proposal was selected", rejected.RejectionReason)
	require.Len(t, agg.Stakes, 1)
	assert.Equal(t, int64(5_000), agg.Stakes[0].Amount)
	require.NotNil(t, agg.Bounty.LabOwnerID)
	assert.Equal(t, labOwnerID, *agg.Bounty.LabOwnerID)
	assert.Equal(t, domain.MilestoneInProgress, agg.Milestones[0].Status)
	assert.Equal(t, domain.MilestonePending, agg.Milestones[1].Status)
	assert.Equal(t, int64(105_000), agg.Escrow.TotalAmount)

	m1, m2 := agg.Milestones[0].ID, agg.Milestones[1].ID

	res := env.apply(t, id, labOwner, engine.SubmitMilestone{MilestoneID: m1, EvidenceRef: "s3://results/m1"})
	assert.Equal(t, domain.StateMilestoneReview, res.NewState)
	assert.Equal(t, domain.MilestoneSubmitted, res.Aggregate.Milestones[0].Status)

	res = env.apply(t, id, funder, engine.ApproveMilestone{MilestoneID: m1})
	assert.Equal(t, domain.StateActiveResearch, res.NewState)
	assert.Equal(t, int64(60_000), res.ReleasedAmount)
	assert.Equal(t, int64(60_000), res.Aggregate.Escrow.ReleasedAmount)
	assert.Equal(t, domain.EscrowPartiallyReleased, res.Aggregate.Escrow.Status)
	assert.Equal(t, domain.MilestoneVerified, res.Aggregate.Milestones[0].Status)
	assert.Equal(t, domain.MilestoneInProgress, res.Aggregate.Milestones[1].Status)

	env.apply(t, id, labOwner, engine.SubmitMilestone{MilestoneID: m2, EvidenceRef: "s3://results/m2"})
	res = env.apply(t, id, funder, engine.ApproveMilestone{MilestoneID: m2})
	assert.Equal(t, domain.StateCompletedPayout, res.NewState)
	assert.Equal(t, int64(100_000), res.Aggregate.Escrow.ReleasedAmount)
	assert.Equal(t, domain.EscrowFullyReleased, res.Aggregate.Escrow.Status)
	require.Len(t, res.Aggregate.LineItems, 2)

	assert.Equal(t, []release{{60_000, "lab-a-wallet"}, {40_000, "lab-a-wallet"}}, env.Rail.releases)

	res = env.apply(t, id, admin, engine.ConfirmPayout{TxRef: "batch-7"})
	assert.Equal(t, domain.StateCompleted, res.NewState)
	assert.Empty(t, engine.LegalEvents(res.NewState))

	stored, err := env.Engine.GetAggregate(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, stored.Bounty.State)
	assert.Equal(t, int64(100_000), stored.Escrow.ReleasedAmount)

	history, err := env.Engine.History(env.Ctx, id)
	require.NoError(t, err)
	var actions []string
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []string{
		"created", "SUBMIT_DRAFT", "ADMIN_APPROVE_PROTOCOL", "INITIATE_FUNDING", "FUNDING_CONFIRMED",
		"SELECT_LAB", "SUBMIT_MILESTONE", "APPROVE_MILESTONE", "SUBMIT_MILESTONE", "APPROVE_MILESTONE", "CONFIRM_PAYOUT",
	}, actions)

	assert.Contains(t, env.Notified.types(funderID), "milestone_submitted")
	assert.Contains(t, env.Notified.types(labOwnerID), "milestone_approved")
	assert.Contains(t, env.Notified.types(labOwnerID), "proposal_accepted")
}

func TestRevisionKeepsEscrowUntouched(t *testing.T) {
	env := newTestEnv(t)
	agg, _, _ := env.toActive(t, 100)
	id, m := agg.Bounty.ID, agg.Milestones[0].ID

	env.apply(t, id, labOwner, engine.SubmitMilestone{MilestoneID: m, EvidenceRef: "doi:1"})
	res := env.apply(t, id, funder, engine.RequestRevision{MilestoneID: m, Feedback: "add replicates"})
	assert.Equal(t, domain.StateActiveResearch, res.NewState)
	assert.Equal(t, domain.MilestoneInProgress, res.Aggregate.Milestones[0].Status)
	require.NotNil(t, res.Aggregate.Milestones[0].Feedback)
	assert.Equal(t, "add replicates", *res.Aggregate.Milestones[0].Feedback)
	assert.Zero(t, res.Aggregate.Escrow.ReleasedAmount)
	assert.Contains(t, env.Notified.types(labOwnerID), "revision_requested")

	env.apply(t, id, labOwner, engine.SubmitMilestone{MilestoneID: m, EvidenceRef: "doi:2"})
	res = env.apply(t, id, funder, engine.ApproveMilestone{MilestoneID: m})
	assert.Equal(t, domain.StateCompletedPayout, res.NewState)
}

func TestDisputePartialRefund(t *testing.T) {
	env := newTestEnv(t)
	agg, _, _ := env.toActive(t, 60, 40)
	id := agg.Bounty.ID

	res := env.apply(t, id, funder, engine.InitiateDispute{Reason: "timeline_breach", Description: "no update in 60 days"})
	assert.Equal(t, domain.StateDisputeResolution, res.NewState)
	require.Len(t, res.Aggregate.Disputes, 1)
	assert.Equal(t, domain.DisputeOpen, res.Aggregate.Disputes[0].Status)
	assert.Contains(t, env.Notified.types(labOwnerID), "dispute_opened")

	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: funder, Payload: engine.InitiateDispute{Reason: "again", Description: "again"}})
	requireKind(t, err, domain.KindIllegalTransition)

	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: admin, Payload: engine.ResolveDispute{Resolution: "split"}})
	requireKind(t, err, domain.KindValidation)

	res = env.apply(t, id, admin, engine.ResolveDispute{Resolution: domain.ResolutionPartialRefund, Notes: "half delivered"})
	assert.Equal(t, domain.StatePartialSettlement, res.NewState)
	assert.Equal(t, domain.DisputeResolved, res.Aggregate.Disputes[0].Status)
	assert.Empty(t, engine.LegalEvents(res.NewState))

	item, err := env.Engine.RecordRefund(env.Ctx, id, 50_000, "refund-1", admin)
	require.NoError(t, err)
	assert.Equal(t, domain.LineItemRefund, item.Kind)
	_, err = env.Engine.RecordRefund(env.Ctx, id, 50_000, "refund-2", funder)
	requireKind(t, err, domain.KindAuthorization)
	_, err = env.Engine.RecordRefund(env.Ctx, id, 60_000, "refund-3", admin)
	requireKind(t, err, domain.KindValidation)
}

func TestLabOwnerDisputeNotifiesFunder(t *testing.T) {
	env := newTestEnv(t)
	agg, _, _ := env.toActive(t, 60, 40)
	id := agg.Bounty.ID

	res := env.apply(t, id, labOwner, engine.InitiateDispute{Reason: "scope_change", Description: "funder added a fourth temperature regime"})
	assert.Equal(t, domain.StateDisputeResolution, res.NewState)
	require.Len(t, res.Aggregate.Disputes, 1)
	assert.Equal(t, labOwnerID, res.Aggregate.Disputes[0].InitiatorID)
	assert.Contains(t, env.Notified.types(funderID), "dispute_opened")
	assert.NotContains(t, env.Notified.types(labOwnerID), "dispute_opened")
}

func TestResolutionTargetsAreDeterministic(t *testing.T) {
	cases := map[domain.Resolution]domain.State{
		domain.ResolutionFunderWins:    domain.StateRefunding,
		domain.ResolutionLabWins:       domain.StateCompletedPayout,
		domain.ResolutionPartialRefund: domain.StatePartialSettlement,
	}
	for resolution, want := range cases {
		t.Run(string(resolution), func(t *testing.T) {
			env := newTestEnv(t)
			agg, _, _ := env.toActive(t, 100)
			id := agg.Bounty.ID
			env.apply(t, id, labOwner, engine.InitiateDispute{Reason: "scope", Description: "funder moved goalposts"})

			_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: funder, Payload: engine.ResolveDispute{Resolution: resolution}})
			requireKind(t, err, domain.KindAuthorization)

			res := env.apply(t, id, arbitrator, engine.ResolveDispute{Resolution: resolution})
			assert.Equal(t, want, res.NewState)
		})
	}
}

func TestResultJSONNamesAggregate(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t, longText, 100)
	res := env.apply(t, agg.Bounty.ID, funder, engine.SubmitDraft{})

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.NotContains(t, out, "bounty")
	var nested domain.Aggregate
	require.NoError(t, json.Unmarshal(out["aggregate"], &nested))
	assert.Equal(t, agg.Bounty.ID, nested.Bounty.ID)
	assert.Equal(t, domain.StateAdminReview, nested.Bounty.State)
}

func TestUnknownEventListsLegalEvents(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t, longText, 100)

	_, err := engine.DecodePayload("SELECT_LABS", nil)
	requireKind(t, err, domain.KindValidation)
	assert.ErrorIs(t, err, engine.ErrUnknownEvent)

	_, err = env.Engine.DecodeEvent(env.Ctx, agg.Bounty.ID, "SELECT_LABS", nil)
	requireKind(t, err, domain.KindIllegalTransition)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []domain.Event{domain.EventSubmitDraft, domain.EventCancelBounty}, de.LegalEvents)

	_, err = env.Engine.DecodeEvent(env.Ctx, "missing", "SELECT_LABS", nil)
	requireKind(t, err, domain.KindNotFound)

	p, err := env.Engine.DecodeEvent(env.Ctx, agg.Bounty.ID, domain.EventSelectLab, []byte(`{"proposal_id":"p-1"}`))
	require.NoError(t, err)
	assert.Equal(t, engine.SelectLab{ProposalID: "p-1"}, p)
}

func TestSelectLabWhileDraftingIsIllegal(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t, longText, 100)

	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: agg.Bounty.ID, Actor: funder, Payload: engine.SelectLab{ProposalID: "p-1"}})
	requireKind(t, err, domain.KindIllegalTransition)
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, []domain.Event{domain.EventSubmitDraft, domain.EventCancelBounty}, derr.LegalEvents)
}

var allEvents = []domain.Event{
	domain.EventSubmitDraft, domain.EventCancelBounty, domain.EventAdminApproveProtocol, domain.EventAdminRequestChanges,
	domain.EventAdminRejectProtocol, domain.EventInitiateFunding, domain.EventFundingConfirmed, domain.EventFundingFailed,
	domain.EventSelectLab, domain.EventExtendBidding, domain.EventSubmitMilestone, domain.EventInitiateDispute,
	domain.EventApproveMilestone, domain.EventRequestRevision, domain.EventResolveDispute, domain.EventConfirmPayout,
}

func TestEveryStateRejectsIllegalAndUnpermittedEvents(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t, longText, 100)
	id := agg.Bounty.ID

	for _, state := range domain.AllStates {
		_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE bounties SET state=? WHERE id=?`, state, id)
		require.NoError(t, err)
		legal := map[domain.Event]bool{}
		for _, e := range engine.LegalEvents(state) {
			legal[e] = true
		}
		for _, event := range allEvents {
			payload, err := engine.DecodePayload(event, nil)
			require.NoError(t, err)
			_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: stranger, Payload: payload})
			if legal[event] {
				requireKind(t, err, domain.KindAuthorization)
				assert.NotEmpty(t, engine.PermittedClasses(state, event))
			} else {
				requireKind(t, err, domain.KindIllegalTransition)
				assert.Nil(t, engine.PermittedClasses(state, event))
			}
		}
	}

	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Payload: engine.SubmitDraft{}})
	requireKind(t, err, domain.KindAuthentication)
	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: "missing", Actor: funder, Payload: engine.SubmitDraft{}})
	requireKind(t, err, domain.KindNotFound)
}

func TestActiveResearchPermissions(t *testing.T) {
	env := newTestEnv(t)
	agg, _, _ := env.toActive(t, 100)
	id, m := agg.Bounty.ID, agg.Milestones[0].ID

	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: funder, Payload: engine.SubmitMilestone{MilestoneID: m, EvidenceRef: "x"}})
	requireKind(t, err, domain.KindAuthorization)
	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: rival, Payload: engine.InitiateDispute{Reason: "r", Description: "d"}})
	requireKind(t, err, domain.KindAuthorization)

	env.apply(t, id, labOwner, engine.SubmitMilestone{MilestoneID: m, EvidenceRef: "x"})
	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: labOwner, Payload: engine.ApproveMilestone{MilestoneID: m}})
	requireKind(t, err, domain.KindAuthorization)
	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: labOwner, Payload: engine.InitiateDispute{Reason: "r", Description: "d"}})
	requireKind(t, err, domain.KindAuthorization)
}

func TestPayloadValidationRunsBeforeMutation(t *testing.T) {
	env := newTestEnv(t)
	agg, _, _ := env.toActive(t, 100)
	id := agg.Bounty.ID

	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: labOwner, Payload: engine.SubmitMilestone{MilestoneID: agg.Milestones[0].ID}})
	requireKind(t, err, domain.KindValidation)
	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: labOwner, Payload: engine.SubmitMilestone{MilestoneID: "nope", EvidenceRef: "x"}})
	requireKind(t, err, domain.KindNotFound)
	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: labOwner, Payload: engine.InitiateDispute{Reason: "only reason"}})
	requireKind(t, err, domain.KindValidation)

	stored, err := env.Engine.GetAggregate(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActiveResearch, stored.Bounty.State)
	assert.Equal(t, agg.Bounty.Version, stored.Bounty.Version)
	assert.Equal(t, domain.MilestoneInProgress, stored.Milestones[0].Status)
}

func TestReleaseFailureLeavesNoPartialWrite(t *testing.T) {
	env := newTestEnv(t)
	agg, _, _ := env.toActive(t, 100)
	id, m := agg.Bounty.ID, agg.Milestones[0].ID
	env.apply(t, id, labOwner, engine.SubmitMilestone{MilestoneID: m, EvidenceRef: "x"})

	env.Rail.releaseErr = errors.New("rpc unavailable")
	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: funder, Payload: engine.ApproveMilestone{MilestoneID: m}})
	requireKind(t, err, domain.KindInternal)

	stored, err := env.Engine.GetAggregate(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateMilestoneReview, stored.Bounty.State)
	assert.Equal(t, domain.MilestoneSubmitted, stored.Milestones[0].Status)
	assert.Zero(t, stored.Escrow.ReleasedAmount)
	assert.Empty(t, stored.LineItems)

	env.Rail.releaseErr = nil
	res := env.apply(t, id, funder, engine.ApproveMilestone{MilestoneID: m})
	assert.Equal(t, domain.StateCompletedPayout, res.NewState)
}

func TestScreeningGatesSubmission(t *testing.T) {
	env := newTestEnv(t)

	rejected := env.create(t, "Scale up pathogen enhancement assays for a novel strain, with full protocol.", 100)
	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: rejected.Bounty.ID, Actor: funder, Payload: engine.SubmitDraft{}})
	requireKind(t, err, domain.KindValidation)
	assert.Contains(t, err.Error(), "prohibited:pathogen enhancement")
	stored, err := env.Engine.GetAggregate(env.Ctx, rejected.Bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDrafting, stored.Bounty.State)
	history, err := env.Engine.History(env.Ctx, rejected.Bounty.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	review := env.create(t, "Recruit volunteers for a human subjects sleep study across two sites.", 100)
	res := env.apply(t, review.Bounty.ID, funder, engine.SubmitDraft{})
	assert.Equal(t, domain.StateAdminReview, res.NewState)
	assert.Equal(t, domain.ScreeningManualReview, res.Aggregate.Bounty.ScreeningDecision)
	last := res.Aggregate.Bounty.StateHistory[len(res.Aggregate.Bounty.StateHistory)-1]
	assert.Contains(t, last.Reason, "manual_review")

	res = env.apply(t, review.Bounty.ID, admin, engine.AdminRequestChanges{Notes: "add consent form"})
	assert.Equal(t, domain.StateDrafting, res.NewState)
	assert.Contains(t, env.Notified.types(funderID), "changes_requested")
}

func TestConcurrentWriteIsAConflict(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t, longText, 100)
	id := agg.Bounty.ID

	env.Engine.Screener = hookScreener{
		next: screening.NewRuleScreener(env.Engine.Config.Screening),
		before: func() {
			_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE bounties SET version=version+1 WHERE id=?`, id)
			require.NoError(t, err)
		},
	}
	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: funder, Payload: engine.SubmitDraft{}})
	requireKind(t, err, domain.KindConflict)

	stored, err := env.Engine.GetAggregate(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDrafting, stored.Bounty.State)
	assert.Len(t, stored.Bounty.StateHistory, 1)
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	env.Notified.err = errors.New("smtp down")
	agg, _, _ := env.toActive(t, 100)
	res := env.apply(t, agg.Bounty.ID, labOwner, engine.SubmitMilestone{MilestoneID: agg.Milestones[0].ID, EvidenceRef: "x"})
	assert.Equal(t, domain.StateMilestoneReview, res.NewState)
	assert.NotEmpty(t, env.Notified.sent)
}

func TestFundingRequiresLockedEscrow(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t, longText, 100)
	id := agg.Bounty.ID
	env.apply(t, id, funder, engine.SubmitDraft{})
	env.apply(t, id, admin, engine.AdminApproveProtocol{})
	res := env.apply(t, id, funder, engine.InitiateFunding{PayerAddress: "payer"})
	require.NotNil(t, res.Aggregate.Escrow)
	escrowID := res.Aggregate.Escrow.ID
	assert.Equal(t, domain.EscrowPending, res.Aggregate.Escrow.Status)
	assert.Equal(t, int64(5_000), res.Aggregate.Escrow.FeeAmount)

	_, err := env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: admin, Payload: engine.FundingConfirmed{}})
	requireKind(t, err, domain.KindValidation)

	_, err = env.Engine.ConfirmDeposit(env.Ctx, id, "bogus", funder)
	requireKind(t, err, domain.KindValidation)
	_, err = env.Engine.ConfirmDeposit(env.Ctx, id, "wire-9", stranger)
	requireKind(t, err, domain.KindAuthorization)

	res = env.apply(t, id, admin, engine.FundingFailed{Reason: "card declined"})
	assert.Equal(t, domain.StateReadyForFunding, res.NewState)
	res = env.apply(t, id, funder, engine.InitiateFunding{})
	assert.Equal(t, escrowID, res.Aggregate.Escrow.ID)

	esc, err := env.Engine.ConfirmDeposit(env.Ctx, id, "wire-9", admin)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowLocked, esc.Status)
	_, err = env.Engine.ConfirmDeposit(env.Ctx, id, "wire-9", admin)
	requireKind(t, err, domain.KindConflict)

	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: admin, Payload: engine.FundingFailed{}})
	requireKind(t, err, domain.KindValidation)
	res = env.apply(t, id, admin, engine.FundingConfirmed{})
	assert.Equal(t, domain.StateBidding, res.NewState)
}

func TestProposalRules(t *testing.T) {
	env := newTestEnv(t)
	agg := env.toBidding(t, 100)
	id := agg.Bounty.ID

	_, err := env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{BountyID: id, Actor: funder, BidAmount: 10})
	requireKind(t, err, domain.KindAuthorization)
	_, err = env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{BountyID: id, Actor: labOwner, BidAmount: 0})
	requireKind(t, err, domain.KindValidation)

	p, err := env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{BountyID: id, Actor: labOwner, BidAmount: 80_000})
	require.NoError(t, err)
	assert.Equal(t, labOwnerID, p.LabID)
	_, err = env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{BountyID: id, Actor: labOwner, BidAmount: 70_000})
	requireKind(t, err, domain.KindConflict)

	_, err = env.Engine.WithdrawProposal(env.Ctx, id, p.ID, rival)
	requireKind(t, err, domain.KindAuthorization)
	w, err := env.Engine.WithdrawProposal(env.Ctx, id, p.ID, labOwner)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalWithdrawn, w.Status)

	_, err = env.Engine.Apply(env.Ctx, engine.Command{BountyID: id, Actor: funder, Payload: engine.SelectLab{ProposalID: p.ID}})
	requireKind(t, err, domain.KindValidation)

	res := env.apply(t, id, funder, engine.ExtendBidding{Reason: "need more bids"})
	assert.Equal(t, domain.StateBidding, res.NewState)

	res = env.apply(t, id, funder, engine.CancelBounty{Reason: "no suitable lab"})
	assert.Equal(t, domain.StateRefunding, res.NewState)
	_, err = env.Engine.SubmitProposal(env.Ctx, engine.SubmitProposalOptions{BountyID: id, Actor: rival, BidAmount: 1})
	requireKind(t, err, domain.KindValidation)
}

func TestCreateBountyValidatesPlan(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.CreateBountyOptions{Actor: funder, Title: "t", TotalBudget: budget}

	opts.Milestones = []engine.MilestoneInput{{Title: "a", PayoutPercentage: 60}, {Title: "b", PayoutPercentage: 30}}
	_, err := env.Engine.CreateBounty(env.Ctx, opts)
	requireKind(t, err, domain.KindValidation)

	opts.Milestones = []engine.MilestoneInput{{Title: "a", PayoutPercentage: 33.33}, {Title: "b", PayoutPercentage: 33.33}, {Title: "c", PayoutPercentage: 33.34}}
	opts.ID = "bounty-1"
	agg, err := env.Engine.CreateBounty(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, "USD", agg.Bounty.Currency)
	assert.Equal(t, domain.StateDrafting, agg.Bounty.State)
	assert.Equal(t, []int{1, 2, 3}, []int{agg.Milestones[0].Sequence, agg.Milestones[1].Sequence, agg.Milestones[2].Sequence})

	_, err = env.Engine.CreateBounty(env.Ctx, opts)
	requireKind(t, err, domain.KindConflict)

	opts.ID = ""
	opts.TotalBudget = 0
	_, err = env.Engine.CreateBounty(env.Ctx, opts)
	requireKind(t, err, domain.KindValidation)
}

func TestDeleteBounty(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t, longText, 100)
	id := agg.Bounty.ID

	requireKind(t, env.Engine.DeleteBounty(env.Ctx, id, stranger), domain.KindAuthorization)
	require.NoError(t, env.Engine.DeleteBounty(env.Ctx, id, funder))
	_, err := env.Engine.GetAggregate(env.Ctx, id)
	requireKind(t, err, domain.KindNotFound)

	submitted := env.create(t, longText, 100)
	env.apply(t, submitted.Bounty.ID, funder, engine.SubmitDraft{})
	requireKind(t, env.Engine.DeleteBounty(env.Ctx, submitted.Bounty.ID, funder), domain.KindValidation)
}
