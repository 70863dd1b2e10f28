package store

import (
	"context"
	"database/sql"

	"tallybot/internal/domain"
)

// Requests persists pending approval workflow instances.
type Requests struct {
	DB *sql.DB
}

// CreateTx inserts a new pending request. The id is the approval prompt
// message id; at most one request may ever exist per id.
func (r Requests) CreateTx(ctx context.Context, tx *sql.Tx, req domain.PendingRequest) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO pending_requests(id,type,requester_id,requester_username,requester_nickname,approver_id,approver_username,approver_nickname,points,description,task_id,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		req.ID, req.Type, req.RequesterID, req.RequesterUsername, nullable(req.RequesterNickname),
		nullable(req.ApproverID), nullable(req.ApproverUsername), nullable(req.ApproverNickname),
		req.Points, nullable(req.Description), nullableInt64Ptr(req.TaskID), req.Status, req.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateID
	}
	return nil
}

const requestColumns = `id,type,requester_id,requester_username,requester_nickname,approver_id,approver_username,approver_nickname,points,description,task_id,status,created_at`

func scanRequest(scan func(dest ...any) error) (domain.PendingRequest, error) {
	var req domain.PendingRequest
	var reqNick, appID, appUser, appNick, desc sql.NullString
	var taskID sql.NullInt64
	err := scan(&req.ID, &req.Type, &req.RequesterID, &req.RequesterUsername, &reqNick,
		&appID, &appUser, &appNick, &req.Points, &desc, &taskID, &req.Status, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.RequesterNickname = reqNick.String
	req.ApproverID = appID.String
	req.ApproverUsername = appUser.String
	req.ApproverNickname = appNick.String
	req.Description = desc.String
	if taskID.Valid {
		req.TaskID = &taskID.Int64
	}
	return req, nil
}

// FindByIDAndStatus returns the request with the given id only if it is
// currently at the given status.
func (r Requests) FindByIDAndStatus(ctx context.Context, id, status string) (domain.PendingRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM pending_requests WHERE id=? AND status=?`, id, status)
	return scanRequest(row.Scan)
}

// TransitionTx moves a request from one status to another as a conditional
// match-and-set. If the request is no longer at the expected status the
// update matches zero rows and ErrNotFound is returned, which is how a
// losing racer on a double approval is rejected.
func (r Requests) TransitionTx(ctx context.Context, tx *sql.Tx, id, from, to string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pending_requests SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus returns requests at the given status, oldest first.
func (r Requests) ListByStatus(ctx context.Context, status string) ([]domain.PendingRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM pending_requests WHERE status=? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingRequest
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}
