package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"memevault/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const challengeColumns = `id,group_id,creator_id,title,COALESCE(description,''),currency,prize_pool,voting_method,entries_per_user,max_entries,COALESCE(wallet_address,''),COALESCE(track_id,''),funded,active,completed,winner_id,retry_count,next_funding_check_at,voting_reminder_at,start_date,end_date,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (domain.Challenge, error) {
	var c domain.Challenge
	var method string
	var funded, active, completed int
	var winner, nextCheck, reminder sql.NullString
	var start, end, created, updated string
	err := row.Scan(&c.ID, &c.GroupID, &c.CreatorID, &c.Title, &c.Description, &c.Currency, &c.PrizePool, &method,
		&c.EntriesPerUser, &c.MaxEntries, &c.WalletAddress, &c.TrackID, &funded, &active, &completed, &winner,
		&c.RetryCount, &nextCheck, &reminder, &start, &end, &created, &updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.VotingMethod = domain.VotingMethod(method)
	c.Funded, c.Active, c.Completed = funded == 1, active == 1, completed == 1
	if winner.Valid {
		c.WinnerID = &winner.String
	}
	if nextCheck.Valid {
		t, err := parseTime(nextCheck.String)
		if err != nil {
			return c, fmt.Errorf("next_funding_check_at: %w", err)
		}
		c.NextFundingCheckAt = &t
	}
	if reminder.Valid {
		t, err := parseTime(reminder.String)
		if err != nil {
			return c, fmt.Errorf("voting_reminder_at: %w", err)
		}
		c.VotingReminderAt = &t
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&c.StartDate, start}, {&c.EndDate, end}, {&c.CreatedAt, created}, {&c.UpdatedAt, updated}} {
		t, err := parseTime(f.src)
		if err != nil {
			return c, err
		}
		*f.dst = t
	}
	return c, nil
}

func (r Repo) InsertChallenge(ctx context.Context, tx *sql.Tx, c domain.Challenge) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO challenges(id,group_id,creator_id,title,description,currency,prize_pool,voting_method,entries_per_user,max_entries,wallet_address,track_id,funded,active,completed,winner_id,retry_count,next_funding_check_at,voting_reminder_at,start_date,end_date,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.GroupID, c.CreatorID, c.Title, nullable(c.Description), c.Currency, c.PrizePool, string(c.VotingMethod),
		c.EntriesPerUser, c.MaxEntries, nullable(c.WalletAddress), nullable(c.TrackID), boolInt(c.Funded), boolInt(c.Active),
		boolInt(c.Completed), nullableStringPtr(c.WinnerID), c.RetryCount, nullableTime(c.NextFundingCheckAt),
		nullableTime(c.VotingReminderAt), formatTime(c.StartDate), formatTime(c.EndDate), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return err
}

func (r Repo) GetChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	return scanChallenge(r.DB.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id=?`, id))
}

func (r Repo) GetChallengeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Challenge, error) {
	return scanChallenge(tx.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id=?`, id))
}

// ChallengePredicate is the expected prior state of a conditional update.
// Nil fields are not checked.
type ChallengePredicate struct {
	Funded    *bool
	Active    *bool
	Completed *bool
	// PrizePool guards against a concurrent windfall raise.
	PrizePool *string
	// RetryCount guards the funding backoff counter.
	RetryCount *int
}

// ChallengeFields lists the columns a conditional update writes. Nil fields
// are left untouched.
type ChallengeFields struct {
	Funded                *bool
	Active                *bool
	Completed             *bool
	PrizePool             *string
	WinnerID              *string
	RetryCount            *int
	NextFundingCheckAt    *time.Time
	ClearNextFundingCheck bool
	VotingReminderAt      *time.Time
	ClearVotingReminder   bool
	UpdatedAt             time.Time
}

func Bool(v bool) *bool       { return &v }
func String(v string) *string { return &v }
func Int(v int) *int          { return &v }

func (p ChallengePredicate) clauses() ([]string, []any) {
	var clauses []string
	var args []any
	add := func(col string, v *bool) {
		if v != nil {
			clauses = append(clauses, col+"=?")
			args = append(args, boolInt(*v))
		}
	}
	add("funded", p.Funded)
	add("active", p.Active)
	add("completed", p.Completed)
	if p.PrizePool != nil {
		clauses = append(clauses, "prize_pool=?")
		args = append(args, *p.PrizePool)
	}
	if p.RetryCount != nil {
		clauses = append(clauses, "retry_count=?")
		args = append(args, *p.RetryCount)
	}
	return clauses, args
}

func (f ChallengeFields) assignments() ([]string, []any) {
	var sets []string
	var args []any
	addBool := func(col string, v *bool) {
		if v != nil {
			sets = append(sets, col+"=?")
			args = append(args, boolInt(*v))
		}
	}
	addBool("funded", f.Funded)
	addBool("active", f.Active)
	addBool("completed", f.Completed)
	if f.PrizePool != nil {
		sets = append(sets, "prize_pool=?")
		args = append(args, *f.PrizePool)
	}
	if f.WinnerID != nil {
		sets = append(sets, "winner_id=?")
		args = append(args, *f.WinnerID)
	}
	if f.RetryCount != nil {
		sets = append(sets, "retry_count=?")
		args = append(args, *f.RetryCount)
	}
	switch {
	case f.ClearNextFundingCheck:
		sets = append(sets, "next_funding_check_at=NULL")
	case f.NextFundingCheckAt != nil:
		sets = append(sets, "next_funding_check_at=?")
		args = append(args, formatTime(*f.NextFundingCheckAt))
	}
	switch {
	case f.ClearVotingReminder:
		sets = append(sets, "voting_reminder_at=NULL")
	case f.VotingReminderAt != nil:
		sets = append(sets, "voting_reminder_at=?")
		args = append(args, formatTime(*f.VotingReminderAt))
	}
	updated := f.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	sets = append(sets, "updated_at=?")
	args = append(args, formatTime(updated))
	return sets, args
}

// ConditionalUpdateChallenge applies fields only if the stored row satisfies
// expect. It reports false without error when the predicate does not hold and
// ErrNotFound when the challenge does not exist.
func (r Repo) ConditionalUpdateChallenge(ctx context.Context, tx *sql.Tx, id string, expect ChallengePredicate, set ChallengeFields) (bool, error) {
	sets, setArgs := set.assignments()
	where, whereArgs := expect.clauses()
	where = append([]string{"id=?"}, where...)
	args := append(setArgs, id)
	args = append(args, whereArgs...)
	q := r.conn(tx)
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE challenges SET %s WHERE %s`, strings.Join(sets, ","), strings.Join(where, " AND ")), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	if err := q.QueryRowContext(ctx, `SELECT 1 FROM challenges WHERE id=?`, id).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return false, nil
}

// DeleteChallengeIf removes a challenge that satisfies expect.
func (r Repo) DeleteChallengeIf(ctx context.Context, tx *sql.Tx, id string, expect ChallengePredicate) (bool, error) {
	where, whereArgs := expect.clauses()
	where = append([]string{"id=?"}, where...)
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM challenges WHERE `+strings.Join(where, " AND "), append([]any{id}, whereArgs...)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type ChallengeFilters struct {
	GroupID   string
	CreatorID string
	Funded    *bool
	Active    *bool
	Completed *bool
	// EndedBefore selects challenges whose end date is before the given time.
	EndedBefore *time.Time
	// FundingDueBefore selects challenges with no scheduled check or one due before the given time.
	FundingDueBefore *time.Time
	// ReminderDueBefore selects challenges with a voting reminder due before the given time.
	ReminderDueBefore *time.Time
	VotingMethod      domain.VotingMethod
	Limit             int
}

func (r Repo) ListChallenges(ctx context.Context, f ChallengeFilters) ([]domain.Challenge, error) {
	var clauses []string
	var args []any
	if f.GroupID != "" {
		clauses = append(clauses, "group_id=?")
		args = append(args, f.GroupID)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	pc, pa := ChallengePredicate{Funded: f.Funded, Active: f.Active, Completed: f.Completed}.clauses()
	clauses = append(clauses, pc...)
	args = append(args, pa...)
	if f.EndedBefore != nil {
		clauses = append(clauses, "end_date < ?")
		args = append(args, formatTime(*f.EndedBefore))
	}
	if f.FundingDueBefore != nil {
		clauses = append(clauses, "(next_funding_check_at IS NULL OR next_funding_check_at <= ?)")
		args = append(args, formatTime(*f.FundingDueBefore))
	}
	if f.ReminderDueBefore != nil {
		clauses = append(clauses, "voting_reminder_at IS NOT NULL AND voting_reminder_at <= ?")
		args = append(args, formatTime(*f.ReminderDueBefore))
	}
	if f.VotingMethod != "" {
		clauses = append(clauses, "voting_method=?")
		args = append(args, string(f.VotingMethod))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + challengeColumns + ` FROM challenges ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
