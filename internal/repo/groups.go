package repo

import (
	"context"
	"database/sql"
)

// SetGroupAdmins replaces the known administrators of a group chat.
func (r Repo) SetGroupAdmins(ctx context.Context, tx *sql.Tx, groupID string, userIDs []string) error {
	q := r.conn(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM group_admins WHERE group_id=?`, groupID); err != nil {
		return err
	}
	for _, id := range userIDs {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO group_admins(group_id, user_id) VALUES (?,?)`, groupID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AddGroupAdmin(ctx context.Context, groupID, userID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO group_admins(group_id, user_id) VALUES (?,?)`, groupID, userID)
	return err
}

func (r Repo) IsGroupAdmin(ctx context.Context, groupID, userID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM group_admins WHERE group_id=? AND user_id=?`, groupID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) GroupAdmins(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM group_admins WHERE group_id=? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
