package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"tallybot/internal/domain"
	"tallybot/internal/events"
	"tallybot/internal/store"
)

var (
	// ErrInvalidArgument marks malformed or unusable command input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnauthorized marks a decision by someone the rules do not allow.
	ErrUnauthorized = errors.New("not authorized")
	// ErrInsufficientPoints marks a delegation the requester cannot fund.
	ErrInsufficientPoints = errors.New("not enough points")
	// ErrTaskNotFound marks a command naming a task id that does not exist.
	ErrTaskNotFound = errors.New("task not found")
)

// Outbox sends outbound chat messages. The engine uses it for exactly one
// thing: the approval prompt whose message id becomes the request key.
type Outbox interface {
	Reply(ctx context.Context, channelID, toMessageID, content string) (string, error)
}

// Origin identifies the inbound command message an intent came from.
type Origin struct {
	ChannelID string
	MessageID string
}

// Intent is a structured user command awaiting workflow validation.
type Intent interface {
	requestType() string
}

type PointsAdd struct {
	Requester domain.Actor
	Target    domain.Actor
	Points    float64
}

type TaskAdd struct {
	Requester   domain.Actor
	Description string
	Points      float64
}

type TaskEdit struct {
	Requester   domain.Actor
	TaskID      int64
	Description string
	Points      float64
}

type TaskDo struct {
	Requester domain.Actor
	Doer      domain.Actor
	Points    float64
	TaskID    int64
}

func (PointsAdd) requestType() string { return domain.TypePointsAdd }
func (TaskAdd) requestType() string   { return domain.TypeTaskAdd }
func (TaskEdit) requestType() string  { return domain.TypeTaskEdit }
func (TaskDo) requestType() string    { return domain.TypeTaskDo }

// Decisions carried by a yes/no reply.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ReplyChain holds the message ids a yes/no reply can refer to: its direct
// parent and, one level further, the parent's parent. The prompt message id
// is always one of the two; lookups are direct by key, never traversal.
type ReplyChain struct {
	ParentID      string
	GrandparentID string
}

// Outcome describes the single transition an accepted decision performed.
type Outcome struct {
	Request    domain.PendingRequest
	Transition string
	Task       *domain.Task
	Requester  *domain.User
	Doer       *domain.User
}

// Engine is the approval workflow state machine. It is the sole writer of
// PendingRequest statuses and the sole trigger of ledger mutations.
type Engine struct {
	DB       *sql.DB
	Ledger   store.Ledger
	Requests store.Requests
	Events   events.Writer
	Outbox   Outbox
	Now      func() time.Time
}

func New(db *sql.DB, outbox Outbox) Engine {
	return Engine{
		DB:       db,
		Ledger:   store.Ledger{DB: db},
		Requests: store.Requests{DB: db},
		Events:   events.Writer{DB: db},
		Outbox:   outbox,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// nextStatus is the exhaustive transition table. Any (type, from, event)
// combination not listed here is illegal and errors out; there is no
// fallthrough behavior.
func nextStatus(reqType, from, event string) (string, error) {
	switch event {
	case DecisionApprove:
		switch {
		case reqType == domain.TypeTaskDo && from == domain.StatusPending:
			return domain.StatusOngoing, nil
		case reqType == domain.TypeTaskDo && from == domain.StatusReview:
			return domain.StatusCompleted, nil
		case reqType != domain.TypeTaskDo && from == domain.StatusPending:
			return domain.StatusApproved, nil
		}
	case DecisionReject:
		if from == domain.StatusPending {
			return domain.StatusRejected, nil
		}
	case "complete":
		if reqType == domain.TypeTaskDo && from == domain.StatusOngoing {
			return domain.StatusReview, nil
		}
	}
	return "", fmt.Errorf("illegal %s transition for %s request at status %s", event, reqType, from)
}

// SubmitIntent validates an intent, emits the approval prompt and persists
// the pending request keyed by the prompt message id.
func (e Engine) SubmitIntent(ctx context.Context, origin Origin, intent Intent) (domain.PendingRequest, error) {
	var req domain.PendingRequest
	var prompt string
	now := e.now().UTC().Format(time.RFC3339)

	switch it := intent.(type) {
	case PointsAdd:
		if err := checkPoints(it.Points); err != nil {
			return req, err
		}
		requester, err := e.Ledger.GetUser(ctx, it.Requester.ID)
		if err != nil {
			return req, fmt.Errorf("requester profile: %w", err)
		}
		target, err := e.Ledger.GetUser(ctx, it.Target.ID)
		if err != nil {
			return req, fmt.Errorf("target profile: %w", err)
		}
		req = domain.PendingRequest{
			Type:              domain.TypePointsAdd,
			RequesterID:       requester.DiscordID,
			RequesterUsername: requester.Username,
			RequesterNickname: requester.Nickname,
			Points:            it.Points,
			Description:       fmt.Sprintf("add %v points to %s", it.Points, target.Nickname),
			Status:            domain.StatusPending,
			CreatedAt:         now,
		}
		prompt = fmt.Sprintf("%s has requested %v points to be added to %s's score. "+
			"Please reply to this message with `yes` or `no` to approve.",
			requester.Nickname, it.Points, target.Nickname)

	case TaskAdd:
		if it.Description == "" {
			return req, fmt.Errorf("%w: task description required", ErrInvalidArgument)
		}
		if err := checkPoints(it.Points); err != nil {
			return req, err
		}
		requester, err := e.Ledger.GetUser(ctx, it.Requester.ID)
		if err != nil {
			return req, fmt.Errorf("requester profile: %w", err)
		}
		req = domain.PendingRequest{
			Type:              domain.TypeTaskAdd,
			RequesterID:       requester.DiscordID,
			RequesterUsername: requester.Username,
			RequesterNickname: requester.Nickname,
			Points:            it.Points,
			Description:       it.Description,
			Status:            domain.StatusPending,
			CreatedAt:         now,
		}
		prompt = fmt.Sprintf("Task addition request created for %q with %v points. "+
			"(⊙_⊙)？Please reply to this message with `yes` or `no` to approve.",
			it.Description, it.Points)

	case TaskEdit:
		if it.Description == "" {
			return req, fmt.Errorf("%w: task description required", ErrInvalidArgument)
		}
		if err := checkPoints(it.Points); err != nil {
			return req, err
		}
		task, err := e.Ledger.GetTask(ctx, it.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			return req, fmt.Errorf("%w: %d", ErrTaskNotFound, it.TaskID)
		}
		if err != nil {
			return req, fmt.Errorf("task %d: %w", it.TaskID, err)
		}
		requester, err := e.Ledger.GetUser(ctx, it.Requester.ID)
		if err != nil {
			return req, fmt.Errorf("requester profile: %w", err)
		}
		taskID := it.TaskID
		req = domain.PendingRequest{
			Type:              domain.TypeTaskEdit,
			RequesterID:       requester.DiscordID,
			RequesterUsername: requester.Username,
			RequesterNickname: requester.Nickname,
			Points:            it.Points,
			Description:       it.Description,
			TaskID:            &taskID,
			Status:            domain.StatusPending,
			CreatedAt:         now,
		}
		prompt = fmt.Sprintf("Task edit request created for task %q. "+
			"Please reply to this message with `yes` or `no` to approve.", task.Description)

	case TaskDo:
		if err := checkPoints(it.Points); err != nil {
			return req, err
		}
		requester, err := e.Ledger.GetUser(ctx, it.Requester.ID)
		if err != nil {
			return req, fmt.Errorf("requester profile: %w", err)
		}
		if requester.Score < it.Points {
			return req, ErrInsufficientPoints
		}
		doer, err := e.Ledger.GetUser(ctx, it.Doer.ID)
		if err != nil {
			return req, fmt.Errorf("doer profile: %w", err)
		}
		task, err := e.Ledger.GetTask(ctx, it.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			return req, fmt.Errorf("%w: %d", ErrTaskNotFound, it.TaskID)
		}
		if err != nil {
			return req, fmt.Errorf("task %d: %w", it.TaskID, err)
		}
		taskID := it.TaskID
		req = domain.PendingRequest{
			Type:              domain.TypeTaskDo,
			RequesterID:       requester.DiscordID,
			RequesterUsername: requester.Username,
			RequesterNickname: requester.Nickname,
			ApproverID:        doer.DiscordID,
			ApproverUsername:  doer.Username,
			ApproverNickname:  doer.Nickname,
			Points:            it.Points,
			Description:       task.Description,
			TaskID:            &taskID,
			Status:            domain.StatusPending,
			CreatedAt:         now,
		}
		prompt = fmt.Sprintf("%s has been requested to: %s.\n%s 〜(￣▽￣〜) needs to approve this request.",
			doer.Nickname, task.Description, doer.Nickname)

	default:
		return req, fmt.Errorf("%w: unknown intent", ErrInvalidArgument)
	}

	promptID, err := e.Outbox.Reply(ctx, origin.ChannelID, origin.MessageID, prompt)
	if err != nil {
		return req, fmt.Errorf("send approval prompt: %w", err)
	}
	req.ID = promptID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()
	if err := e.Requests.CreateTx(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.Events.Append(ctx, tx, "request.created", "request", req.ID, req.RequesterID, events.EventPayload{
		"type":   req.Type,
		"points": req.Points,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return req, nil
}

// ResolveApproval applies a yes/no decision to the pending request the
// reply chain points at. Exactly one transition happens per call; a request
// already past the expected status is reported as not found.
func (e Engine) ResolveApproval(ctx context.Context, chain ReplyChain, approver domain.Actor, decision string) (Outcome, error) {
	req, err := e.locate(ctx, chain, decision)
	if err != nil {
		return Outcome{}, err
	}

	if err := e.authorize(req, approver, decision); err != nil {
		return Outcome{}, err
	}

	to, err := nextStatus(req.Type, req.Status, decision)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	if decision == DecisionReject {
		if err := e.transition(ctx, req, to, approver.ID, nil); err != nil {
			return Outcome{}, err
		}
		req.Status = to
		return Outcome{Request: req, Transition: to}, nil
	}

	out := Outcome{Transition: to}
	switch {
	case req.Type == domain.TypePointsAdd:
		err = e.transition(ctx, req, to, approver.ID, func(tx *sql.Tx) error {
			return e.Ledger.IncrementScoreTx(ctx, tx, req.RequesterID, req.RequesterUsername, req.CreatedAt, req.Points)
		})
		if err != nil {
			return Outcome{}, err
		}
		out.Requester = e.refreshUser(ctx, req.RequesterID)

	case req.Type == domain.TypeTaskAdd:
		approverUser := e.profileOrActor(ctx, approver)
		err = e.transition(ctx, req, to, approver.ID, func(tx *sql.Tx) error {
			task, err := e.Ledger.CreateTaskTx(ctx, tx, domain.Task{
				Description:       req.Description,
				Points:            req.Points,
				Status:            domain.StatusApproved,
				RequesterID:       req.RequesterID,
				RequesterUsername: req.RequesterUsername,
				RequesterNickname: req.RequesterNickname,
				ApproverID:        approverUser.DiscordID,
				ApproverUsername:  approverUser.Username,
				ApproverNickname:  approverUser.Nickname,
				CreatedAt:         e.now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			out.Task = &task
			return nil
		})
		if err != nil {
			return Outcome{}, err
		}

	case req.Type == domain.TypeTaskEdit:
		err = e.transition(ctx, req, to, approver.ID, func(tx *sql.Tx) error {
			return e.Ledger.UpdateTaskTx(ctx, tx, *req.TaskID, req.Description, req.Points)
		})
		if err != nil {
			return Outcome{}, err
		}
		if task, err := e.Ledger.GetTask(ctx, *req.TaskID); err == nil {
			out.Task = &task
		}

	case req.Type == domain.TypeTaskDo && req.Status == domain.StatusPending:
		// Escrow debit: the requester pays up front when work begins. The
		// balance was checked at submission but may have changed since, so
		// the debit itself re-validates it.
		err = e.transition(ctx, req, to, approver.ID, func(tx *sql.Tx) error {
			return e.Ledger.DebitScoreTx(ctx, tx, req.RequesterID, req.Points)
		})
		if errors.Is(err, store.ErrInsufficientFunds) {
			return Outcome{}, ErrInsufficientPoints
		}
		if err != nil {
			return Outcome{}, err
		}
		out.Requester = e.refreshUser(ctx, req.RequesterID)

	case req.Type == domain.TypeTaskDo && req.Status == domain.StatusReview:
		// Completion bonus: the work-doer earns half the escrowed points.
		err = e.transition(ctx, req, to, approver.ID, func(tx *sql.Tx) error {
			return e.Ledger.IncrementScoreTx(ctx, tx, req.ApproverID, req.ApproverUsername, req.CreatedAt, req.Points/2)
		})
		if err != nil {
			return Outcome{}, err
		}
		out.Doer = e.refreshUser(ctx, req.ApproverID)

	default:
		return Outcome{}, fmt.Errorf("%w: no transition for %s at %s", store.ErrNotFound, req.Type, req.Status)
	}

	req.Status = to
	out.Request = req
	return out, nil
}

// AdvanceTaskCompletion moves an ongoing delegated task to review. No
// ledger mutation: the escrow debit already happened at ongoing entry.
func (e Engine) AdvanceTaskCompletion(ctx context.Context, promptMessageID string, actor domain.Actor) (Outcome, error) {
	req, err := e.Requests.FindByIDAndStatus(ctx, promptMessageID, domain.StatusOngoing)
	if err != nil {
		return Outcome{}, err
	}
	to, err := nextStatus(req.Type, req.Status, "complete")
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	if err := e.transition(ctx, req, to, actor.ID, nil); err != nil {
		return Outcome{}, err
	}
	req.Status = to
	return Outcome{Request: req, Transition: to}, nil
}

// locate resolves the reply chain to a request record. An approval tries the
// direct parent at pending first, then review at either level; a rejection
// is only legal at the pending step, so only pending is considered.
func (e Engine) locate(ctx context.Context, chain ReplyChain, decision string) (domain.PendingRequest, error) {
	if chain.ParentID == "" {
		return domain.PendingRequest{}, store.ErrNotFound
	}
	req, err := e.Requests.FindByIDAndStatus(ctx, chain.ParentID, domain.StatusPending)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return req, err
	}
	if decision == DecisionReject {
		return domain.PendingRequest{}, store.ErrNotFound
	}
	req, err = e.Requests.FindByIDAndStatus(ctx, chain.ParentID, domain.StatusReview)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return req, err
	}
	if chain.GrandparentID == "" {
		return domain.PendingRequest{}, store.ErrNotFound
	}
	return e.Requests.FindByIDAndStatus(ctx, chain.GrandparentID, domain.StatusReview)
}

// authorize enforces the self-approval rules. For task_do the approver is
// pre-set, so the checks are positional: only the designated doer decides at
// pending, and the doer may never certify their own completion at review.
func (e Engine) authorize(req domain.PendingRequest, approver domain.Actor, decision string) error {
	if req.Type != domain.TypeTaskDo {
		if approver.ID == req.RequesterID {
			return fmt.Errorf("%w: you cannot approve your own request", ErrUnauthorized)
		}
		return nil
	}
	switch req.Status {
	case domain.StatusPending:
		if approver.ID != req.ApproverID {
			return fmt.Errorf("%w: only %s can accept this task", ErrUnauthorized, req.ApproverNickname)
		}
	case domain.StatusReview:
		if approver.ID == req.ApproverID {
			return fmt.Errorf("%w: the task doer cannot approve their own completion", ErrUnauthorized)
		}
	}
	return nil
}

// transition commits the conditional status update, an optional ledger
// mutation and the audit event in one transaction.
func (e Engine) transition(ctx context.Context, req domain.PendingRequest, to, actorID string, mutate func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Requests.TransitionTx(ctx, tx, req.ID, req.Status, to); err != nil {
		return err
	}
	if mutate != nil {
		if err := mutate(tx); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "request."+to, "request", req.ID, actorID, events.EventPayload{
		"type": req.Type,
		"from": req.Status,
		"to":   to,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) refreshUser(ctx context.Context, discordID string) *domain.User {
	u, err := e.Ledger.GetUser(ctx, discordID)
	if err != nil {
		return nil
	}
	return &u
}

// profileOrActor prefers the stored profile; unregistered approvers fall
// back to their gateway identity.
func (e Engine) profileOrActor(ctx context.Context, actor domain.Actor) domain.User {
	if u, err := e.Ledger.GetUser(ctx, actor.ID); err == nil {
		return u
	}
	nickname := actor.Nickname
	if nickname == "" {
		nickname = actor.Username
	}
	return domain.User{DiscordID: actor.ID, Username: actor.Username, Nickname: nickname}
}

func checkPoints(points float64) error {
	if math.IsNaN(points) || math.IsInf(points, 0) {
		return fmt.Errorf("%w: points must be a finite number", ErrInvalidArgument)
	}
	return nil
}
