package repo

import (
	"context"
	"database/sql"
	"time"

	"memevault/internal/domain"
)

const payoutColumns = `id,submission_id,challenge_id,address,amount,status,attempts,COALESCE(tx_id,''),COALESCE(last_error,''),created_at,updated_at`

func scanPayout(row rowScanner) (domain.Payout, error) {
	var p domain.Payout
	var status, created, updated string
	err := row.Scan(&p.ID, &p.SubmissionID, &p.ChallengeID, &p.Address, &p.Amount, &status, &p.Attempts, &p.TxID, &p.LastError, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.PayoutStatus(status)
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, err
	}
	p.UpdatedAt, err = parseTime(updated)
	return p, err
}

// CreatePayout inserts p unless a payout for the same submission exists, and
// returns the stored record either way.
func (r Repo) CreatePayout(ctx context.Context, tx *sql.Tx, p domain.Payout) (domain.Payout, bool, error) {
	q := r.conn(tx)
	res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO payouts(id,submission_id,challenge_id,address,amount,status,attempts,created_at,updated_at) VALUES (?,?,?,?,?,?,0,?,?)`,
		p.ID, p.SubmissionID, p.ChallengeID, p.Address, p.Amount, string(p.Status), formatTime(p.CreatedAt), formatTime(p.CreatedAt))
	if err != nil {
		return domain.Payout{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Payout{}, false, err
	}
	stored, err := scanPayout(q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE submission_id=?`, p.SubmissionID))
	return stored, n > 0, err
}

func (r Repo) GetPayout(ctx context.Context, id string) (domain.Payout, error) {
	return scanPayout(r.DB.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id=?`, id))
}

func (r Repo) GetPayoutBySubmission(ctx context.Context, submissionID string) (domain.Payout, error) {
	return scanPayout(r.DB.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE submission_id=?`, submissionID))
}

func (r Repo) ListPayouts(ctx context.Context, status domain.PayoutStatus) ([]domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimPayout leases a pending payout to owner until the given time. It
// reports false when the payout is not pending or another owner holds an
// unexpired lease. Only the lease holder may transfer funds.
func (r Repo) ClaimPayout(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE payouts SET lease_owner=?, lease_until=?, updated_at=?
WHERE id=? AND status=? AND (lease_owner IS NULL OR lease_until<=?)`,
		owner, until.UnixMilli(), formatTime(now), id, string(domain.PayoutPending), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleasePayout drops owner's lease, if it still holds one.
func (r Repo) ReleasePayout(ctx context.Context, id, owner string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE payouts SET lease_owner=NULL, lease_until=0 WHERE id=? AND lease_owner=?`, id, owner)
	return err
}

// RecordPayoutAttempt bumps the attempt counter and stores the last error. It
// reports false when owner no longer holds the lease.
func (r Repo) RecordPayoutAttempt(ctx context.Context, id, owner, lastError string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE payouts SET attempts=attempts+1, last_error=?, updated_at=? WHERE id=? AND lease_owner=?`,
		nullable(lastError), formatTime(at), id, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransitionPayout moves a payout from one status to another and drops any
// lease. It reports false when the payout is no longer in the expected status.
func (r Repo) TransitionPayout(ctx context.Context, tx *sql.Tx, id string, from, to domain.PayoutStatus, txID string, at time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payouts SET status=?, tx_id=COALESCE(?, tx_id), lease_owner=NULL, lease_until=0, updated_at=? WHERE id=? AND status=?`,
		string(to), nullable(txID), formatTime(at), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequeuePayout puts a manual payout back to pending with a fresh attempt budget.
func (r Repo) RequeuePayout(ctx context.Context, tx *sql.Tx, id string, at time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE payouts SET status=?, attempts=0, lease_owner=NULL, lease_until=0, updated_at=? WHERE id=? AND status=?`,
		string(domain.PayoutPending), formatTime(at), id, string(domain.PayoutManual))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
