package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/metrics"
	"bountyline/internal/notify"
	"bountyline/internal/rails"
	"bountyline/internal/repo"
	"bountyline/internal/screening"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	NewID    func() string
	Rails    *rails.Registry
	Screener screening.Screener
	Notifier notify.Notifier
	Log      zerolog.Logger
}

// New wires an engine with the manual rail, the rule screener and log
// notifications. Callers replace collaborators as needed.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
		NewID:    uuid.NewString,
		Rails:    rails.NewRegistry(rails.NewManual()),
		Screener: screening.NewRuleScreener(cfg.Screening),
		Notifier: notify.Log{Logger: log.Logger},
		Log:      log.Logger,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) feePercent() float64 {
	if e.Config == nil {
		return ledger.DefaultFeePercent
	}
	return e.Config.Platform.FeePercent
}

// Command asks the engine to apply Payload.Event() to a bounty as Actor.
type Command struct {
	BountyID string
	Actor    domain.Actor
	Payload  Payload
}

type Result struct {
	PreviousState  domain.State          `json:"previous_state"`
	NewState       domain.State          `json:"new_state"`
	ReleasedAmount int64                 `json:"released_amount,omitempty"`
	Aggregate      domain.Aggregate      `json:"aggregate"`
	Notifications  []domain.Notification `json:"notifications,omitempty"`
}

// Apply runs one lifecycle event: table lookup, permission check, payload
// validation, target resolution and side effects, then a single conditional
// write. Notifications are delivered after the write and never fail the call.
func (e Engine) Apply(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Payload == nil {
		return Result{}, domain.Invalid("event payload is required")
	}
	event := cmd.Payload.Event()
	done := metrics.StartTransitionTimer(string(event))
	res, err := e.apply(ctx, cmd)
	if err != nil {
		done(metrics.Error)
		e.Log.Debug().Err(err).Str("bounty_id", cmd.BountyID).Str("event", string(event)).Str("actor", cmd.Actor.ID).Msg("transition rejected")
		return Result{}, err
	}
	done(metrics.Success)
	metrics.RecordRelease(res.Aggregate.Bounty.Currency, res.ReleasedAmount)
	e.Log.Info().
		Str("bounty_id", cmd.BountyID).
		Str("event", string(event)).
		Str("from", string(res.PreviousState)).
		Str("to", string(res.NewState)).
		Str("actor", cmd.Actor.ID).
		Msg("transition applied")
	e.dispatch(ctx, res.Notifications)
	return res, nil
}

func (e Engine) apply(ctx context.Context, cmd Command) (Result, error) {
	event := cmd.Payload.Event()
	if strings.TrimSpace(cmd.Actor.ID) == "" {
		return Result{}, domain.Unauthenticated("actor identity required")
	}
	agg, err := e.load(ctx, cmd.BountyID)
	if err != nil {
		return Result{}, err
	}
	prev := agg.Bounty.State
	r, ok := lookup(prev, event)
	if !ok {
		return Result{}, domain.IllegalTransition(prev, event, LegalEvents(prev))
	}
	if err := auth.Check(cmd.Actor, agg.Bounty, string(event), r.Allowed...); err != nil {
		return Result{}, err
	}
	if err := cmd.Payload.validate(); err != nil {
		return Result{}, err
	}

	snap := snapshotOf(agg)
	t := &transition{
		e:         e,
		agg:       &agg,
		actor:     cmd.Actor,
		now:       e.timestamp(),
		target:    r.Target,
		eventData: events.EventPayload{},
	}
	if err := t.run(ctx, cmd.Payload); err != nil {
		return Result{}, err
	}

	agg.Bounty.State = t.target
	agg.Bounty.UpdatedAt = t.now
	agg.Bounty.StateHistory = append(agg.Bounty.StateHistory, domain.StateEntry{
		State:  t.target,
		TS:     t.now,
		Actor:  cmd.Actor.ID,
		Action: string(event),
		Reason: t.reason,
	})
	payload := events.EventPayload{"from": prev, "to": t.target}
	for k, v := range t.eventData {
		payload[k] = v
	}
	if err := e.commit(ctx, &agg, snap, cmd.Actor.ID, events.TypeFor(event), payload); err != nil {
		if t.released > 0 {
			e.Log.Error().Err(err).
				Str("bounty_id", agg.Bounty.ID).
				Int64("amount", t.released).
				Interface("tx_ref", t.eventData["tx_ref"]).
				Msg("funds released but transition not recorded")
		}
		return Result{}, err
	}
	return Result{
		PreviousState:  prev,
		NewState:       t.target,
		ReleasedAmount: t.released,
		Aggregate:      agg,
		Notifications:  t.notifications,
	}, nil
}

// snapshot remembers what was read so the write can be made conditional and
// only new append-only rows are inserted.
type snapshot struct {
	state     domain.State
	version   int64
	stakes    int
	lineItems int
	history   int
}

func snapshotOf(agg domain.Aggregate) snapshot {
	return snapshot{
		state:     agg.Bounty.State,
		version:   agg.Bounty.Version,
		stakes:    len(agg.Stakes),
		lineItems: len(agg.LineItems),
		history:   len(agg.Bounty.StateHistory),
	}
}

func (e Engine) commit(ctx context.Context, agg *domain.Aggregate, snap snapshot, actorID, evtType string, payload events.EventPayload) error {
	cs := repo.ChangeSet{
		Bounty:          agg.Bounty,
		ExpectedState:   snap.state,
		ExpectedVersion: snap.version,
		Milestones:      agg.Milestones,
		Proposals:       agg.Proposals,
		Escrow:          agg.Escrow,
		Disputes:        agg.Disputes,
		NewStakes:       agg.Stakes[snap.stakes:],
		NewLineItems:    agg.LineItems[snap.lineItems:],
		NewHistory:      agg.Bounty.StateHistory[snap.history:],
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Internal(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := e.Repo.ApplyChangeSet(ctx, tx, cs); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Conflict("bounty %s changed since it was read; retry", agg.Bounty.ID)
		}
		return domain.Internal(err, "persist bounty %s", agg.Bounty.ID)
	}
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, evtType, agg.Bounty.ID, "bounty", agg.Bounty.ID, actorID, payload); err != nil {
		return domain.Internal(err, "append event")
	}
	if err := tx.Commit(); err != nil {
		return domain.Internal(err, "commit bounty %s", agg.Bounty.ID)
	}
	agg.Bounty.Version = snap.version + 1
	return nil
}

func (e Engine) load(ctx context.Context, bountyID string) (domain.Aggregate, error) {
	if strings.TrimSpace(bountyID) == "" {
		return domain.Aggregate{}, domain.Invalid("bounty id is required")
	}
	agg, err := e.Repo.LoadAggregate(ctx, bountyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Aggregate{}, domain.NotFound("bounty %s not found", bountyID)
		}
		return domain.Aggregate{}, domain.Internal(err, "load bounty %s", bountyID)
	}
	return agg, nil
}

func (e Engine) dispatch(ctx context.Context, ns []domain.Notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range ns {
		if err := e.Notifier.Notify(ctx, n); err != nil {
			metrics.RecordNotificationFailure(n.Type)
			e.Log.Warn().Err(err).Str("user_id", n.UserID).Str("type", n.Type).Msg("notification delivery failed")
		}
	}
}

// transition carries the in-memory work of one Apply call.
type transition struct {
	e             Engine
	agg           *domain.Aggregate
	actor         domain.Actor
	now           string
	target        domain.State
	reason        string
	released      int64
	eventData     events.EventPayload
	notifications []domain.Notification
}

func (t *transition) run(ctx context.Context, p Payload) error {
	switch p := p.(type) {
	case SubmitDraft:
		return t.submitDraft(ctx)
	case CancelBounty:
		t.reason = p.Reason
		return nil
	case AdminApproveProtocol:
		return t.approveProtocol(p)
	case AdminRequestChanges:
		t.reason = p.Notes
		t.notify(t.agg.Bounty.FunderID, "changes_requested", "Changes requested", p.Notes, nil)
		return nil
	case AdminRejectProtocol:
		t.reason = p.Reason
		t.notify(t.agg.Bounty.FunderID, "protocol_rejected", "Protocol rejected", p.Reason, nil)
		return nil
	case InitiateFunding:
		return t.initiateFunding(ctx, p)
	case FundingConfirmed:
		return t.fundingConfirmed()
	case FundingFailed:
		return t.fundingFailed(p)
	case SelectLab:
		return t.selectLab(p)
	case ExtendBidding:
		t.reason = p.Reason
		return nil
	case SubmitMilestone:
		return t.submitMilestone(p)
	case ApproveMilestone:
		return t.approveMilestone(ctx, p)
	case RequestRevision:
		return t.requestRevision(p)
	case InitiateDispute:
		return t.initiateDispute(p)
	case ResolveDispute:
		return t.resolveDispute(p)
	case ConfirmPayout:
		if p.TxRef != "" {
			t.reason = "payout " + p.TxRef
		}
		return nil
	default:
		return domain.Internal(nil, "no handler for payload %T", p)
	}
}

func (t *transition) notify(userID, typ, title, message string, data map[string]any) {
	if strings.TrimSpace(userID) == "" {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["bounty_id"] = t.agg.Bounty.ID
	t.notifications = append(t.notifications, domain.Notification{
		UserID:  userID,
		Type:    typ,
		Title:   title,
		Message: message,
		Data:    data,
	})
}

func (t *transition) labOwner() string {
	if t.agg.Bounty.LabOwnerID == nil {
		return ""
	}
	return *t.agg.Bounty.LabOwnerID
}

func (t *transition) submitDraft(ctx context.Context) error {
	b := &t.agg.Bounty
	res := screening.Result{Decision: domain.ScreeningAllow}
	if t.e.Screener != nil {
		var err error
		res, err = t.e.Screener.Screen(ctx, screening.Draft{Title: b.Title, Description: b.Description})
		if err != nil {
			return domain.Internal(err, "intake screening")
		}
	}
	signals := strings.Join(res.Signals, ", ")
	switch res.Decision {
	case domain.ScreeningReject:
		return domain.Invalid("draft rejected by intake screening: %s", signals)
	case domain.ScreeningAllow, domain.ScreeningManualReview:
	default:
		return domain.Internal(nil, "intake screening returned unknown decision %q", res.Decision)
	}
	b.ScreeningDecision = res.Decision
	t.reason = "screening: " + string(res.Decision)
	if signals != "" {
		t.reason += " (" + signals + ")"
	}
	t.eventData["screening"] = res
	return nil
}

func (t *transition) approveProtocol(p AdminApproveProtocol) error {
	if t.agg.Bounty.ScreeningDecision == domain.ScreeningReject {
		return domain.Invalid("bounty %s was rejected by intake screening", t.agg.Bounty.ID)
	}
	t.reason = p.Notes
	t.notify(t.agg.Bounty.FunderID, "protocol_approved", "Protocol approved", "Your bounty is ready for funding.", nil)
	return nil
}

func (t *transition) initiateFunding(ctx context.Context, p InitiateFunding) error {
	existing := t.agg.Escrow
	if existing != nil && existing.Status.Funded() {
		return domain.Conflict("escrow %s is already %s", existing.ID, existing.Status)
	}
	railName := strings.TrimSpace(p.Rail)
	if railName == "" && t.e.Config != nil {
		railName = t.e.Config.Rails.Default
	}
	rail, err := t.e.Rails.Get(railName)
	if err != nil {
		return domain.Invalid("%v", err)
	}
	esc := ledger.NewEscrow(t.e.newID(), t.agg.Bounty, rail.Name(), t.e.feePercent(), t.now)
	if existing != nil {
		// escrow is 1:1 with the bounty; a retry after FUNDING_FAILED reuses it
		esc.ID = existing.ID
		esc.CreatedAt = existing.CreatedAt
	}
	dep, err := rail.InitializeDeposit(ctx, t.agg.Bounty.ID, p.PayerAddress, esc.TotalAmount)
	if err != nil {
		return domain.Internal(err, "initialize deposit on %s", rail.Name())
	}
	esc.PayerAddress = p.PayerAddress
	esc.DepositAddress = dep.Address
	t.agg.Escrow = &esc
	t.eventData["rail"] = esc.Rail
	t.eventData["total_amount"] = esc.TotalAmount
	t.eventData["fee_amount"] = esc.FeeAmount
	t.eventData["deposit_address"] = esc.DepositAddress
	t.notify(t.agg.Bounty.FunderID, "deposit_requested", "Deposit requested",
		fmt.Sprintf("Send %d %s to %s.", dep.ExpectedAmount, t.agg.Bounty.Currency, dep.Address),
		map[string]any{"deposit_address": dep.Address, "expected_amount": dep.ExpectedAmount, "rail": esc.Rail})
	return nil
}

func (t *transition) fundingConfirmed() error {
	esc := t.agg.Escrow
	if esc == nil || !esc.Status.Funded() {
		return domain.Invalid("escrow must be locked before %s; confirm the deposit first", domain.EventFundingConfirmed)
	}
	t.eventData["deposit_tx_ref"] = esc.DepositTxRef
	return nil
}

func (t *transition) fundingFailed(p FundingFailed) error {
	if esc := t.agg.Escrow; esc != nil && esc.Status.Funded() {
		return domain.Invalid("escrow %s is already %s", esc.ID, esc.Status)
	}
	t.reason = p.Reason
	t.notify(t.agg.Bounty.FunderID, "funding_failed", "Funding failed", p.Reason, nil)
	return nil
}

func (t *transition) selectLab(p SelectLab) error {
	agg := t.agg
	if agg.Escrow == nil || !agg.Escrow.Status.Funded() {
		return domain.Invalid("escrow must be locked before a lab is selected")
	}
	accepted, err := ledger.AcceptProposal(agg, p.ProposalID, t.now)
	if err != nil {
		return err
	}
	stake := ledger.LockStake(*accepted, t.e.newID(), t.now)
	labID, owner := accepted.LabID, accepted.LabOwnerID
	agg.Stakes = append(agg.Stakes, stake)
	agg.Bounty.SelectedLabID = &labID
	agg.Bounty.LabOwnerID = &owner

	first, err := ledger.ActivateSequence(agg, 1, t.now)
	if err != nil {
		return err
	}
	if first == nil {
		return domain.Invalid("bounty %s has no milestones", agg.Bounty.ID)
	}
	t.eventData["proposal_id"] = p.ProposalID
	t.eventData["lab_id"] = labID
	t.eventData["staked_amount"] = stake.Amount
	t.notify(owner, "proposal_accepted", "Proposal accepted",
		fmt.Sprintf("Your proposal was selected. Milestone %d is now in progress.", first.Sequence),
		map[string]any{"proposal_id": p.ProposalID, "milestone_id": first.ID})
	return nil
}

func (t *transition) submitMilestone(p SubmitMilestone) error {
	m, err := ledger.FindMilestone(t.agg, p.MilestoneID)
	if err != nil {
		return err
	}
	if err := ledger.SubmitMilestone(m, p.EvidenceRef, t.now); err != nil {
		return err
	}
	t.eventData["milestone_id"] = m.ID
	t.notify(t.agg.Bounty.FunderID, "milestone_submitted", "Milestone submitted",
		fmt.Sprintf("Milestone %d (%s) is ready for review.", m.Sequence, m.Title),
		map[string]any{"milestone_id": m.ID, "evidence_ref": p.EvidenceRef})
	return nil
}

func (t *transition) approveMilestone(ctx context.Context, p ApproveMilestone) error {
	agg := t.agg
	m, err := ledger.FindMilestone(agg, p.MilestoneID)
	if err != nil {
		return err
	}
	if err := ledger.VerifyMilestone(m, t.now); err != nil {
		return err
	}
	seq, milestoneID, title := m.Sequence, m.ID, m.Title
	amount, err := ledger.PlanRelease(agg, *m)
	if err != nil {
		return err
	}
	var txRef string
	if amount > 0 {
		lab := ledger.AcceptedProposal(agg)
		if lab == nil {
			return domain.Invalid("bounty %s has no accepted proposal to pay", agg.Bounty.ID)
		}
		rail, err := t.e.Rails.Get(agg.Escrow.Rail)
		if err != nil {
			return domain.Internal(err, "resolve rail")
		}
		txRef, err = rail.ReleaseFunds(ctx, agg.Escrow.DepositAddress, amount, lab.PayoutAddress)
		if err != nil {
			return domain.Internal(err, "release funds on %s", rail.Name())
		}
		item, err := ledger.Release(agg.Escrow, amount, milestoneID, txRef, t.e.newID(), t.now)
		if err != nil {
			return err
		}
		agg.LineItems = append(agg.LineItems, item)
		t.released = amount
	}

	// recounted on every approval rather than cached
	if ledger.CountVerified(agg) >= len(agg.Milestones) {
		t.target = domain.StateCompletedPayout
	} else if _, err := ledger.ActivateSequence(agg, seq+1, t.now); err != nil {
		return err
	}
	t.eventData["milestone_id"] = milestoneID
	t.eventData["released_amount"] = amount
	if txRef != "" {
		t.eventData["tx_ref"] = txRef
	}
	t.notify(t.labOwner(), "milestone_approved", "Milestone approved",
		fmt.Sprintf("Milestone %d (%s) was approved; %d %s released.", seq, title, amount, agg.Bounty.Currency),
		map[string]any{"milestone_id": milestoneID, "amount": amount, "tx_ref": txRef})
	return nil
}

func (t *transition) requestRevision(p RequestRevision) error {
	m, err := ledger.FindMilestone(t.agg, p.MilestoneID)
	if err != nil {
		return err
	}
	if err := ledger.ReviseMilestone(m, p.Feedback, t.now); err != nil {
		return err
	}
	t.reason = p.Feedback
	t.eventData["milestone_id"] = m.ID
	t.notify(t.labOwner(), "revision_requested", "Revision requested", p.Feedback,
		map[string]any{"milestone_id": m.ID})
	return nil
}

func (t *transition) initiateDispute(p InitiateDispute) error {
	d, err := ledger.OpenDispute(t.agg, domain.Dispute{
		ID:          t.e.newID(),
		InitiatorID: t.actor.ID,
		Reason:      p.Reason,
		Description: p.Description,
		CreatedAt:   t.now,
	})
	if err != nil {
		return err
	}
	t.reason = p.Reason
	t.eventData["dispute_id"] = d.ID
	counterParty := t.agg.Bounty.FunderID
	if t.actor.ID == t.agg.Bounty.FunderID {
		counterParty = t.labOwner()
	}
	t.notify(counterParty, "dispute_opened", "Dispute opened", p.Description,
		map[string]any{"dispute_id": d.ID, "reason": p.Reason})
	return nil
}

func (t *transition) resolveDispute(p ResolveDispute) error {
	d, err := ledger.ResolveDispute(t.agg, p.Resolution, p.SlashAmount, t.now)
	if err != nil {
		return err
	}
	target, err := ledger.ResolutionTarget(p.Resolution)
	if err != nil {
		return err
	}
	t.target = target
	t.reason = string(p.Resolution)
	if p.Notes != "" {
		t.reason += ": " + p.Notes
	}
	t.eventData["dispute_id"] = d.ID
	t.eventData["resolution"] = p.Resolution
	if p.SlashAmount != nil {
		t.eventData["slash_amount"] = *p.SlashAmount
	}
	msg := fmt.Sprintf("Dispute resolved: %s.", p.Resolution)
	for _, userID := range []string{t.agg.Bounty.FunderID, t.labOwner()} {
		t.notify(userID, "dispute_resolved", "Dispute resolved", msg,
			map[string]any{"dispute_id": d.ID, "resolution": string(p.Resolution)})
	}
	return nil
}
