package repo

import (
	"context"
	"database/sql"
	"time"

	"memevault/internal/domain"
)

const submissionColumns = `id,challenge_id,user_id,COALESCE(username,''),content_ref,COALESCE(caption,''),votes,COALESCE(winner_wallet_address,''),created_at`

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var s domain.Submission
	var created string
	err := row.Scan(&s.ID, &s.ChallengeID, &s.UserID, &s.Username, &s.ContentRef, &s.Caption, &s.Votes, &s.WinnerWalletAddress, &created)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CreatedAt, err = parseTime(created)
	return s, err
}

// InsertSubmissionCapped inserts s only while the per-user and total entry
// caps still hold, so concurrent submitters cannot overshoot them. A
// maxEntries of zero means no total cap.
func (r Repo) InsertSubmissionCapped(ctx context.Context, tx *sql.Tx, s domain.Submission, perUser, maxEntries int) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO submissions(id,challenge_id,user_id,username,content_ref,caption,votes,created_at)
SELECT ?,?,?,?,?,?,0,?
WHERE (SELECT COUNT(*) FROM submissions WHERE challenge_id=? AND user_id=?) < ?
  AND (? = 0 OR (SELECT COUNT(*) FROM submissions WHERE challenge_id=?) < ?)`,
		s.ID, s.ChallengeID, s.UserID, nullable(s.Username), s.ContentRef, nullable(s.Caption), formatTime(s.CreatedAt),
		s.ChallengeID, s.UserID, perUser,
		maxEntries, s.ChallengeID, maxEntries)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountSubmissions returns the total entries of a challenge and those of userID.
func (r Repo) CountSubmissions(ctx context.Context, challengeID, userID string) (total, byUser int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN user_id=? THEN 1 ELSE 0 END),0) FROM submissions WHERE challenge_id=?`,
		userID, challengeID).Scan(&total, &byUser)
	return total, byUser, err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	s, err := scanSubmission(r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	voters, err := r.voters(ctx, []string{id})
	if err != nil {
		return s, err
	}
	s.Voters = voters[id]
	return s, nil
}

// ListSubmissions returns the entries of a challenge in submission order,
// each with its voters attached.
func (r Repo) ListSubmissions(ctx context.Context, challengeID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE challenge_id=? ORDER BY created_at, id`, challengeID)
	if err != nil {
		return nil, err
	}
	var subs []domain.Submission
	var ids []string
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		subs = append(subs, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return subs, nil
	}
	voters, err := r.votersByChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].Voters = voters[subs[i].ID]
	}
	return subs, nil
}

func (r Repo) voters(ctx context.Context, submissionIDs []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, id := range submissionIDs {
		rows, err := r.DB.QueryContext(ctx, `SELECT voter_id FROM votes WHERE submission_id=? ORDER BY created_at, voter_id`, id)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = append(out[id], v)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r Repo) votersByChallenge(ctx context.Context, challengeID string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT submission_id, voter_id FROM votes WHERE challenge_id=? ORDER BY created_at, voter_id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var sub, voter string
		if err := rows.Scan(&sub, &voter); err != nil {
			return nil, err
		}
		out[sub] = append(out[sub], voter)
	}
	return out, rows.Err()
}

// CastVote records voterID's single vote in a challenge and increments the
// submission tally. It reports false when the voter already voted or the
// challenge is completed.
func (r Repo) CastVote(ctx context.Context, tx *sql.Tx, challengeID, submissionID, voterID string, at time.Time) (bool, error) {
	q := r.conn(tx)
	res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO votes(challenge_id, voter_id, submission_id, created_at)
SELECT ?,?,?,? WHERE EXISTS (SELECT 1 FROM challenges WHERE id=? AND completed=0)`,
		challengeID, voterID, submissionID, formatTime(at), challengeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	res, err = q.ExecContext(ctx, `UPDATE submissions SET votes=votes+1 WHERE id=? AND challenge_id=?`, submissionID, challengeID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

// HasVoted reports the submission voterID voted for in a challenge, if any.
func (r Repo) HasVoted(ctx context.Context, challengeID, voterID string) (string, bool, error) {
	var sub string
	err := r.DB.QueryRowContext(ctx, `SELECT submission_id FROM votes WHERE challenge_id=? AND voter_id=?`, challengeID, voterID).Scan(&sub)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sub, true, nil
}

func (r Repo) CountVoters(ctx context.Context, challengeID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE challenge_id=?`, challengeID).Scan(&n)
	return n, err
}

// SetWinnerWallet records the payout address of a submission once. It reports
// false if an address was already set.
func (r Repo) SetWinnerWallet(ctx context.Context, tx *sql.Tx, submissionID, address string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE submissions SET winner_wallet_address=? WHERE id=? AND (winner_wallet_address IS NULL OR winner_wallet_address='')`,
		address, submissionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
