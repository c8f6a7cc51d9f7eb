package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write found the bounty changed since it was read.
	ErrConflict = errors.New("conflict")
)

// ChangeSet is every mutation produced by one transition. Children are
// upserted wholesale; stakes, line items and history are append-only and only
// the new entries are carried.
type ChangeSet struct {
	Bounty          domain.Bounty
	ExpectedState   domain.State
	ExpectedVersion int64

	Milestones []domain.Milestone
	Proposals  []domain.Proposal
	Escrow     *domain.Escrow
	Disputes   []domain.Dispute

	NewStakes    []domain.StakeEntry
	NewLineItems []domain.EscrowLineItem
	NewHistory   []domain.StateEntry
}

const bountyColumns = `id,funder_id,title,COALESCE(description,''),selected_lab_id,lab_owner_id,state,total_budget,currency,COALESCE(screening_decision,''),version,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBounty(row scanner) (domain.Bounty, error) {
	var b domain.Bounty
	var lab, owner sql.NullString
	var decision string
	err := row.Scan(&b.ID, &b.FunderID, &b.Title, &b.Description, &lab, &owner, &b.State, &b.TotalBudget, &b.Currency, &decision, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.SelectedLabID = stringPtr(lab)
	b.LabOwnerID = stringPtr(owner)
	b.ScreeningDecision = domain.ScreeningDecision(decision)
	return b, nil
}

// InsertBounty writes a freshly created aggregate: bounty row, milestone plan and
// the initial history entry.
func (r Repo) InsertBounty(ctx context.Context, tx *sql.Tx, agg domain.Aggregate) error {
	b := agg.Bounty
	if _, err := tx.ExecContext(ctx, `INSERT INTO bounties(id,funder_id,title,description,selected_lab_id,lab_owner_id,state,total_budget,currency,screening_decision,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.FunderID, b.Title, nullable(b.Description), nullableStringPtr(b.SelectedLabID), nullableStringPtr(b.LabOwnerID),
		b.State, b.TotalBudget, b.Currency, nullable(string(b.ScreeningDecision)), b.Version, b.CreatedAt, b.UpdatedAt); err != nil {
		return fmt.Errorf("insert bounty: %w", err)
	}
	for _, m := range agg.Milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return err
		}
	}
	return appendHistory(ctx, tx, b.ID, b.StateHistory)
}

func (r Repo) GetBounty(ctx context.Context, id string) (domain.Bounty, error) {
	return scanBounty(r.DB.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id=?`, id))
}

type BountyFilters struct {
	State    string
	FunderID string
	Limit    int
}

func (r Repo) ListBounties(ctx context.Context, f BountyFilters) ([]domain.Bounty, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.FunderID != "" {
		clauses = append(clauses, "funder_id=?")
		args = append(args, f.FunderID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM bounties WHERE %s ORDER BY created_at DESC, id LIMIT ?`, bountyColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// LoadAggregate reads the bounty and every child it owns.
func (r Repo) LoadAggregate(ctx context.Context, id string) (domain.Aggregate, error) {
	var agg domain.Aggregate
	b, err := r.GetBounty(ctx, id)
	if err != nil {
		return agg, err
	}
	agg.Bounty = b
	if agg.Bounty.StateHistory, err = r.ListHistory(ctx, id); err != nil {
		return agg, err
	}
	if agg.Milestones, err = r.listMilestones(ctx, id); err != nil {
		return agg, err
	}
	if agg.Proposals, err = r.listProposals(ctx, id); err != nil {
		return agg, err
	}
	if agg.Escrow, err = r.getEscrow(ctx, id); err != nil {
		return agg, err
	}
	if agg.Disputes, err = r.listDisputes(ctx, id); err != nil {
		return agg, err
	}
	if agg.Stakes, err = r.listStakes(ctx, id); err != nil {
		return agg, err
	}
	if agg.LineItems, err = r.listLineItems(ctx, id); err != nil {
		return agg, err
	}
	return agg, nil
}

// ApplyChangeSet writes cs inside tx. The bounty row is updated only if its
// state and version still match what the caller read; otherwise ErrConflict.
func (r Repo) ApplyChangeSet(ctx context.Context, tx *sql.Tx, cs ChangeSet) error {
	b := cs.Bounty
	res, err := tx.ExecContext(ctx, `UPDATE bounties SET state=?, selected_lab_id=?, lab_owner_id=?, screening_decision=?, version=version+1, updated_at=?
WHERE id=? AND state=? AND version=?`,
		b.State, nullableStringPtr(b.SelectedLabID), nullableStringPtr(b.LabOwnerID), nullable(string(b.ScreeningDecision)), b.UpdatedAt,
		b.ID, cs.ExpectedState, cs.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update bounty: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	for _, m := range cs.Milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return err
		}
	}
	// rejections first so the single-accepted index never sees two rows
	for _, p := range cs.Proposals {
		if p.Status != domain.ProposalAccepted {
			if err := upsertProposal(ctx, tx, p); err != nil {
				return err
			}
		}
	}
	for _, p := range cs.Proposals {
		if p.Status == domain.ProposalAccepted {
			if err := upsertProposal(ctx, tx, p); err != nil {
				return err
			}
		}
	}
	if cs.Escrow != nil {
		if err := upsertEscrow(ctx, tx, *cs.Escrow); err != nil {
			return err
		}
	}
	for _, d := range cs.Disputes {
		if err := upsertDispute(ctx, tx, d); err != nil {
			return err
		}
	}
	for _, s := range cs.NewStakes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stakes(id,bounty_id,proposal_id,lab_id,amount,status,created_at) VALUES (?,?,?,?,?,?,?)`,
			s.ID, s.BountyID, s.ProposalID, s.LabID, s.Amount, s.Status, s.CreatedAt); err != nil {
			return fmt.Errorf("insert stake: %w", err)
		}
	}
	for _, li := range cs.NewLineItems {
		if _, err := tx.ExecContext(ctx, `INSERT INTO escrow_line_items(id,escrow_id,bounty_id,milestone_id,kind,amount,tx_ref,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			li.ID, li.EscrowID, li.BountyID, nullableStringPtr(li.MilestoneID), li.Kind, li.Amount, nullable(li.TxRef), li.CreatedAt); err != nil {
			return fmt.Errorf("insert escrow line item: %w", err)
		}
	}
	return appendHistory(ctx, tx, b.ID, cs.NewHistory)
}

// DeleteBounty removes a drafting bounty at the expected version.
func (r Repo) DeleteBounty(ctx context.Context, tx *sql.Tx, id string, version int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM bounties WHERE id=? AND state=? AND version=?`, id, domain.StateDrafting, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) ListHistory(ctx context.Context, bountyID string) ([]domain.StateEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state,ts,actor,COALESCE(action,''),COALESCE(reason,'') FROM state_history WHERE bounty_id=? ORDER BY id`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateEntry
	for rows.Next() {
		var h domain.StateEntry
		if err := rows.Scan(&h.State, &h.TS, &h.Actor, &h.Action, &h.Reason); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func appendHistory(ctx context.Context, tx *sql.Tx, bountyID string, entries []domain.StateEntry) error {
	for _, h := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state_history(bounty_id,state,ts,actor,action,reason) VALUES (?,?,?,?,?,?)`,
			bountyID, h.State, h.TS, h.Actor, nullable(h.Action), nullable(h.Reason)); err != nil {
			return fmt.Errorf("append state history: %w", err)
		}
	}
	return nil
}

func upsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,bounty_id,sequence,title,payout_percentage,status,evidence_ref,feedback,submitted_at,verified_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, evidence_ref=excluded.evidence_ref, feedback=excluded.feedback,
  submitted_at=excluded.submitted_at, verified_at=excluded.verified_at, updated_at=excluded.updated_at`,
		m.ID, m.BountyID, m.Sequence, m.Title, m.PayoutPercentage, m.Status, nullableStringPtr(m.EvidenceRef), nullableStringPtr(m.Feedback),
		nullableStringPtr(m.SubmittedAt), nullableStringPtr(m.VerifiedAt), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert milestone %s: %w", m.ID, err)
	}
	return nil
}

func upsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,bounty_id,lab_id,lab_owner_id,status,bid_amount,staked_amount,payout_address,rejection_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, rejection_reason=excluded.rejection_reason, updated_at=excluded.updated_at`,
		p.ID, p.BountyID, p.LabID, p.LabOwnerID, p.Status, p.BidAmount, p.StakedAmount, nullable(p.PayoutAddress), nullable(p.RejectionReason), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert proposal %s: %w", p.ID, err)
	}
	return nil
}

func upsertEscrow(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrows(id,bounty_id,rail,total_amount,fee_amount,released_amount,refunded_amount,status,payer_address,deposit_address,deposit_tx_ref,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET rail=excluded.rail, total_amount=excluded.total_amount, fee_amount=excluded.fee_amount,
  released_amount=excluded.released_amount, refunded_amount=excluded.refunded_amount, status=excluded.status,
  payer_address=excluded.payer_address, deposit_address=excluded.deposit_address, deposit_tx_ref=excluded.deposit_tx_ref,
  updated_at=excluded.updated_at`,
		e.ID, e.BountyID, e.Rail, e.TotalAmount, e.FeeAmount, e.ReleasedAmount, e.RefundedAmount, e.Status,
		nullable(e.PayerAddress), nullable(e.DepositAddress), nullable(e.DepositTxRef), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert escrow %s: %w", e.ID, err)
	}
	return nil
}

func upsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	var resolution any
	if d.Resolution != nil {
		resolution = string(*d.Resolution)
	}
	var slash any
	if d.SlashAmount != nil {
		slash = *d.SlashAmount
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,bounty_id,initiator_id,reason,description,status,resolution,slash_amount,created_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, resolution=excluded.resolution, slash_amount=excluded.slash_amount, resolved_at=excluded.resolved_at`,
		d.ID, d.BountyID, d.InitiatorID, d.Reason, d.Description, d.Status, resolution, slash, d.CreatedAt, nullableStringPtr(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("upsert dispute %s: %w", d.ID, err)
	}
	return nil
}

func (r Repo) listMilestones(ctx context.Context, bountyID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,bounty_id,sequence,title,payout_percentage,status,evidence_ref,feedback,submitted_at,verified_at,created_at,updated_at
FROM milestones WHERE bounty_id=? ORDER BY sequence`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		var evidence, feedback, submitted, verified sql.NullString
		if err := rows.Scan(&m.ID, &m.BountyID, &m.Sequence, &m.Title, &m.PayoutPercentage, &m.Status, &evidence, &feedback, &submitted, &verified, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.EvidenceRef = stringPtr(evidence)
		m.Feedback = stringPtr(feedback)
		m.SubmittedAt = stringPtr(submitted)
		m.VerifiedAt = stringPtr(verified)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) listProposals(ctx context.Context, bountyID string) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,bounty_id,lab_id,lab_owner_id,status,bid_amount,staked_amount,COALESCE(payout_address,''),COALESCE(rejection_reason,''),created_at,updated_at
FROM proposals WHERE bounty_id=? ORDER BY created_at, id`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		if err := rows.Scan(&p.ID, &p.BountyID, &p.LabID, &p.LabOwnerID, &p.Status, &p.BidAmount, &p.StakedAmount, &p.PayoutAddress, &p.RejectionReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) getEscrow(ctx context.Context, bountyID string) (*domain.Escrow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,bounty_id,rail,total_amount,fee_amount,released_amount,refunded_amount,status,
COALESCE(payer_address,''),COALESCE(deposit_address,''),COALESCE(deposit_tx_ref,''),created_at,updated_at FROM escrows WHERE bounty_id=?`, bountyID)
	var e domain.Escrow
	err := row.Scan(&e.ID, &e.BountyID, &e.Rail, &e.TotalAmount, &e.FeeAmount, &e.ReleasedAmount, &e.RefundedAmount, &e.Status,
		&e.PayerAddress, &e.DepositAddress, &e.DepositTxRef, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r Repo) listDisputes(ctx context.Context, bountyID string) ([]domain.Dispute, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,bounty_id,initiator_id,reason,description,status,resolution,slash_amount,created_at,resolved_at
FROM disputes WHERE bounty_id=? ORDER BY created_at, id`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		var d domain.Dispute
		var resolution, resolvedAt sql.NullString
		var slash sql.NullInt64
		if err := rows.Scan(&d.ID, &d.BountyID, &d.InitiatorID, &d.Reason, &d.Description, &d.Status, &resolution, &slash, &d.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolution.Valid {
			v := domain.Resolution(resolution.String)
			d.Resolution = &v
		}
		if slash.Valid {
			v := slash.Int64
			d.SlashAmount = &v
		}
		d.ResolvedAt = stringPtr(resolvedAt)
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) listStakes(ctx context.Context, bountyID string) ([]domain.StakeEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,bounty_id,proposal_id,lab_id,amount,status,created_at FROM stakes WHERE bounty_id=? ORDER BY created_at, id`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StakeEntry
	for rows.Next() {
		var s domain.StakeEntry
		if err := rows.Scan(&s.ID, &s.BountyID, &s.ProposalID, &s.LabID, &s.Amount, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) listLineItems(ctx context.Context, bountyID string) ([]domain.EscrowLineItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,escrow_id,bounty_id,milestone_id,kind,amount,COALESCE(tx_ref,''),created_at
FROM escrow_line_items WHERE bounty_id=? ORDER BY rowid`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscrowLineItem
	for rows.Next() {
		var li domain.EscrowLineItem
		var milestoneID sql.NullString
		if err := rows.Scan(&li.ID, &li.EscrowID, &li.BountyID, &milestoneID, &li.Kind, &li.Amount, &li.TxRef, &li.CreatedAt); err != nil {
			return nil, err
		}
		li.MilestoneID = stringPtr(milestoneID)
		res = append(res, li)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
