package store

import (
	"context"
	"database/sql"

	"tallybot/internal/domain"
)

// Ledger persists user balances and task definitions.
type Ledger struct {
	DB *sql.DB
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.DiscordID, &u.Username, &u.Nickname, &u.Score, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (l Ledger) GetUser(ctx context.Context, discordID string) (domain.User, error) {
	return scanUser(l.DB.QueryRowContext(ctx,
		`SELECT discord_id,username,nickname,score,created_at FROM users WHERE discord_id=?`, discordID))
}

// UpsertUser creates or updates a profile. A new row starts with score 0;
// an existing row keeps its score and gets username/nickname refreshed.
func (l Ledger) UpsertUser(ctx context.Context, discordID, username, nickname, createdAt string) (domain.User, error) {
	if nickname == "" {
		nickname = domain.DefaultNickname
	}
	_, err := l.DB.ExecContext(ctx, `INSERT INTO users(discord_id,username,nickname,score,created_at) VALUES (?,?,?,0,?)
ON CONFLICT(discord_id) DO UPDATE SET username=excluded.username, nickname=excluded.nickname`,
		discordID, username, nickname, createdAt)
	if err != nil {
		return domain.User{}, err
	}
	return l.GetUser(ctx, discordID)
}

// IncrementScoreTx adjusts a balance by delta as a single relative update.
// The row is created with the default score first if absent, so a point
// mutation referencing an unknown id registers the user implicitly.
func (l Ledger) IncrementScoreTx(ctx context.Context, tx *sql.Tx, discordID, username, createdAt string, delta float64) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(discord_id,username,score,created_at) VALUES (?,?,0,?)
ON CONFLICT(discord_id) DO NOTHING`, discordID, username, createdAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE users SET score=score+? WHERE discord_id=?`, delta, discordID)
	return err
}

// DebitScoreTx subtracts delta only when the current balance covers it. The
// guard is part of the UPDATE itself so a balance change racing in between
// submission and commit cannot overdraw the account.
func (l Ledger) DebitScoreTx(ctx context.Context, tx *sql.Tx, discordID string, delta float64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET score=score-? WHERE discord_id=? AND score>=?`, delta, discordID, delta)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// ListUsers returns all users ordered by registration time, newest first.
func (l Ledger) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT discord_id,username,nickname,score,created_at FROM users ORDER BY created_at DESC, discord_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.DiscordID, &u.Username, &u.Nickname, &u.Score, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (l Ledger) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	var t domain.Task
	var reqNick, appID, appUser, appNick sql.NullString
	err := l.DB.QueryRowContext(ctx, `SELECT task_id,description,points,status,requester_id,requester_username,requester_nickname,approver_id,approver_username,approver_nickname,created_at FROM tasks WHERE task_id=?`, taskID).
		Scan(&t.TaskID, &t.Description, &t.Points, &t.Status, &t.RequesterID, &t.RequesterUsername, &reqNick, &appID, &appUser, &appNick, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.RequesterNickname = reqNick.String
	t.ApproverID = appID.String
	t.ApproverUsername = appUser.String
	t.ApproverNickname = appNick.String
	return t, nil
}

// CreateTaskTx inserts a task and assigns the next sequential task id.
// AUTOINCREMENT guarantees ids are strictly increasing and never reused.
func (l Ledger) CreateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(description,points,status,requester_id,requester_username,requester_nickname,approver_id,approver_username,approver_nickname,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.Description, t.Points, t.Status, t.RequesterID, t.RequesterUsername, nullable(t.RequesterNickname),
		nullable(t.ApproverID), nullable(t.ApproverUsername), nullable(t.ApproverNickname), t.CreatedAt)
	if err != nil {
		return t, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return t, err
	}
	t.TaskID = id
	return t, nil
}

// UpdateTaskTx rewrites a task's description and points in place.
func (l Ledger) UpdateTaskTx(ctx context.Context, tx *sql.Tx, taskID int64, description string, points float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET description=?, points=? WHERE task_id=?`, description, points, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns tasks with the given status in task id order.
func (l Ledger) ListTasks(ctx context.Context, status string) ([]domain.Task, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT task_id,description,points,status,requester_id,requester_username,requester_nickname,approver_id,approver_username,approver_nickname,created_at FROM tasks WHERE status=? ORDER BY task_id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var reqNick, appID, appUser, appNick sql.NullString
		if err := rows.Scan(&t.TaskID, &t.Description, &t.Points, &t.Status, &t.RequesterID, &t.RequesterUsername, &reqNick, &appID, &appUser, &appNick, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.RequesterNickname = reqNick.String
		t.ApproverID = appID.String
		t.ApproverUsername = appUser.String
		t.ApproverNickname = appNick.String
		res = append(res, t)
	}
	return res, rows.Err()
}
