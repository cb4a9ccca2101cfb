package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"parametric-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const (
	lockTreasuryQuery = `SELECT id FROM treasury_account WHERE id = 1 FOR UPDATE`
	initTreasuryQuery = `INSERT INTO treasury_account (id, fee_rate, updated_at) VALUES (1, $1, NOW()) ON CONFLICT (id) DO NOTHING`

	nextPolicyIDQuery = `SELECT nextval('policy_id_seq')`
	insertPolicyQuery = `
		INSERT INTO policy (
			id, farmer, plot_ref, plot_boundary, sum_insured, premium, duration_days,
			start_date, end_date, coverage_kind, status, created_at
		) VALUES (
			:id, :farmer, :plot_ref, :plot_boundary, :sum_insured, :premium, :duration_days,
			:start_date, :end_date, :coverage_kind, :status, :created_at
		)`
	getPolicyQuery = `
		SELECT id, farmer, plot_ref, plot_boundary, sum_insured, premium, duration_days,
			start_date, end_date, coverage_kind, status, created_at
		FROM policy WHERE id = $1`
	updatePolicyStatusQuery = `UPDATE policy SET status = $1 WHERE id = $2`
	activeEndingBeforeQuery = `SELECT id FROM policy WHERE status = $1 AND end_date < $2 ORDER BY id LIMIT $3`

	farmerPolicyIDsQuery    = `SELECT policy_id FROM farmer_policy WHERE farmer = $1 ORDER BY position`
	appendFarmerPolicyQuery = `INSERT INTO farmer_policy (farmer, policy_id) VALUES ($1, $2)`
	activeCountQuery        = `SELECT active_count FROM farmer_active_count WHERE farmer = $1`
	setActiveCountQuery     = `
		INSERT INTO farmer_active_count (farmer, active_count) VALUES ($1, $2)
		ON CONFLICT (farmer) DO UPDATE SET active_count = EXCLUDED.active_count`
	claimCountQuery    = `SELECT claim_count FROM farmer_claim_count WHERE farmer = $1 AND year_bucket = $2`
	setClaimCountQuery = `
		INSERT INTO farmer_claim_count (farmer, year_bucket, claim_count) VALUES ($1, $2, $3)
		ON CONFLICT (farmer, year_bucket) DO UPDATE SET claim_count = EXCLUDED.claim_count`

	getDamageReportQuery = `
		SELECT policy_id, damage_percentage, weather_damage, satellite_damage, payout_amount,
			assessed_at, source_id, workflow_id, farmer, year_bucket, accepted_at
		FROM damage_report WHERE policy_id = $1`
	insertDamageReportQuery = `
		INSERT INTO damage_report (
			policy_id, damage_percentage, weather_damage, satellite_damage, payout_amount,
			assessed_at, source_id, workflow_id, farmer, year_bucket, accepted_at
		) VALUES (
			:policy_id, :damage_percentage, :weather_damage, :satellite_damage, :payout_amount,
			:assessed_at, :source_id, :workflow_id, :farmer, :year_bucket, :accepted_at
		)`

	getTreasuryQuery = `
		SELECT balance, total_premiums_net, total_payouts, fee_rate, accumulated_fees,
			total_fees_withdrawn, paused, updated_at
		FROM treasury_account WHERE id = 1`
	saveTreasuryQuery = `
		UPDATE treasury_account SET
			balance = :balance,
			total_premiums_net = :total_premiums_net,
			total_payouts = :total_payouts,
			fee_rate = :fee_rate,
			accumulated_fees = :accumulated_fees,
			total_fees_withdrawn = :total_fees_withdrawn,
			paused = :paused,
			updated_at = :updated_at
		WHERE id = 1`

	premiumReceivedQuery     = `SELECT EXISTS(SELECT 1 FROM premium_received WHERE policy_id = $1)`
	markPremiumReceivedQuery = `INSERT INTO premium_received (policy_id, payer, gross, received_at) VALUES ($1, $2, $3, $4)`
	payoutProcessedQuery     = `SELECT EXISTS(SELECT 1 FROM payout_processed WHERE policy_id = $1)`
	markPayoutProcessedQuery = `INSERT INTO payout_processed (policy_id, amount, processed_at) VALUES ($1, $2, $3)`

	appendAuditQuery = `INSERT INTO audit_record (id, kind, policy_id, actor, amount, detail, at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	recentAuditQuery = `SELECT id, kind, policy_id, actor, amount, detail, at FROM audit_record ORDER BY at DESC LIMIT $1`
)

// PostgresStore serialises writers on the treasury singleton row: every
// Update takes its row lock before running fn.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the treasury row if it does not exist yet.
func (s *PostgresStore) Init(ctx context.Context, initialFeeRate int64) error {
	if _, err := s.db.ExecContext(ctx, initTreasuryQuery, initialFeeRate); err != nil {
		return fmt.Errorf("failed to initialise treasury account: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, lockTreasuryQuery); err != nil {
		return fmt.Errorf("failed to lock treasury account: %w", err)
	}
	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	return fn(&pgTx{tx: tx, readOnly: true})
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx       *sqlx.Tx
	readOnly bool
}

func (t *pgTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *pgTx) NextPolicyID(ctx context.Context) (uint64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var id int64
	if err := t.tx.GetContext(ctx, &id, nextPolicyIDQuery); err != nil {
		return 0, fmt.Errorf("failed to allocate policy id: %w", err)
	}
	return uint64(id), nil
}

func (t *pgTx) InsertPolicy(ctx context.Context, policy *models.Policy) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.NamedExecContext(ctx, insertPolicyQuery, policy); err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

func (t *pgTx) GetPolicy(ctx context.Context, id uint64) (*models.Policy, error) {
	var policy models.Policy
	if err := t.tx.GetContext(ctx, &policy, getPolicyQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &policy, nil
}

func (t *pgTx) UpdatePolicyStatus(ctx context.Context, id uint64, status models.PolicyStatus) error {
	if err := t.writable(); err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, updatePolicyStatusQuery, status, id)
	if err != nil {
		return fmt.Errorf("failed to update policy status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ActivePoliciesEndingBefore(ctx context.Context, cutoff int64, limit int) ([]uint64, error) {
	var ids []uint64
	if err := t.tx.SelectContext(ctx, &ids, activeEndingBeforeQuery, models.PolicyActive, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list lapsed policies: %w", err)
	}
	return ids, nil
}

func (t *pgTx) FarmerPolicyIDs(ctx context.Context, farmer string) ([]uint64, error) {
	var ids []uint64
	if err := t.tx.SelectContext(ctx, &ids, farmerPolicyIDsQuery, farmer); err != nil {
		return nil, fmt.Errorf("failed to list farmer policies: %w", err)
	}
	return ids, nil
}

func (t *pgTx) AppendFarmerPolicy(ctx context.Context, farmer string, policyID uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, appendFarmerPolicyQuery, farmer, policyID); err != nil {
		return fmt.Errorf("failed to append farmer policy: %w", err)
	}
	return nil
}

func (t *pgTx) FarmerActiveCount(ctx context.Context, farmer string) (int, error) {
	return t.getCount(ctx, activeCountQuery, farmer)
}

func (t *pgTx) SetFarmerActiveCount(ctx context.Context, farmer string, count int) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, setActiveCountQuery, farmer, count); err != nil {
		return fmt.Errorf("failed to set active count: %w", err)
	}
	return nil
}

func (t *pgTx) ClaimCount(ctx context.Context, farmer string, yearBucket int64) (int, error) {
	return t.getCount(ctx, claimCountQuery, farmer, yearBucket)
}

func (t *pgTx) SetClaimCount(ctx context.Context, farmer string, yearBucket int64, count int) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, setClaimCountQuery, farmer, yearBucket, count); err != nil {
		return fmt.Errorf("failed to set claim count: %w", err)
	}
	return nil
}

// getCount treats a missing counter row as zero.
func (t *pgTx) getCount(ctx context.Context, query string, args ...any) (int, error) {
	var count int
	if err := t.tx.GetContext(ctx, &count, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, nil
}

func (t *pgTx) GetDamageReport(ctx context.Context, policyID uint64) (*models.AcceptedReport, error) {
	var report models.AcceptedReport
	if err := t.tx.GetContext(ctx, &report, getDamageReportQuery, policyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get damage report: %w", err)
	}
	return &report, nil
}

func (t *pgTx) InsertDamageReport(ctx context.Context, report *models.AcceptedReport) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.NamedExecContext(ctx, insertDamageReportQuery, report); err != nil {
		return fmt.Errorf("failed to insert damage report: %w", err)
	}
	return nil
}

func (t *pgTx) GetTreasury(ctx context.Context) (*models.TreasuryAccount, error) {
	var account models.TreasuryAccount
	if err := t.tx.GetContext(ctx, &account, getTreasuryQuery); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("treasury account not initialised: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get treasury account: %w", err)
	}
	return &account, nil
}

func (t *pgTx) SaveTreasury(ctx context.Context, account *models.TreasuryAccount) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.NamedExecContext(ctx, saveTreasuryQuery, account); err != nil {
		return fmt.Errorf("failed to save treasury account: %w", err)
	}
	return nil
}

func (t *pgTx) PremiumReceived(ctx context.Context, policyID uint64) (bool, error) {
	var exists bool
	if err := t.tx.GetContext(ctx, &exists, premiumReceivedQuery, policyID); err != nil {
		return false, fmt.Errorf("failed to check premium flag: %w", err)
	}
	return exists, nil
}

func (t *pgTx) MarkPremiumReceived(ctx context.Context, policyID uint64, payer string, gross int64, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, markPremiumReceivedQuery, policyID, payer, gross, at); err != nil {
		return fmt.Errorf("failed to set premium flag: %w", err)
	}
	return nil
}

func (t *pgTx) PayoutProcessed(ctx context.Context, policyID uint64) (bool, error) {
	var exists bool
	if err := t.tx.GetContext(ctx, &exists, payoutProcessedQuery, policyID); err != nil {
		return false, fmt.Errorf("failed to check payout flag: %w", err)
	}
	return exists, nil
}

func (t *pgTx) MarkPayoutProcessed(ctx context.Context, policyID uint64, amount int64, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, markPayoutProcessedQuery, policyID, amount, at); err != nil {
		return fmt.Errorf("failed to set payout flag: %w", err)
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, record *models.AuditRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	var detail any
	if len(record.Detail) > 0 {
		detail = string(record.Detail)
	}
	_, err := t.tx.ExecContext(ctx, appendAuditQuery,
		record.ID, record.Kind, record.PolicyID, record.Actor, record.Amount, detail, record.At)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (t *pgTx) RecentAudit(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	if err := t.tx.SelectContext(ctx, &records, recentAuditQuery, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return records, nil
}
