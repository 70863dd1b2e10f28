package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"tallybot/internal/domain"
	"tallybot/internal/engine"
	"tallybot/internal/scoreboard"
	"tallybot/internal/store"
)

// Message is one inbound chat message as delivered by the gateway.
type Message struct {
	ID          string
	ChannelID   string
	Author      domain.Actor
	Content     string
	ReferenceID string
	Mentions    []domain.Actor
	FromBot     bool
}

// Gateway looks up previously seen messages so yes/no replies can be traced
// back to the approval prompt they refer to.
type Gateway interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)
}

// Card is one structured summary item, rendered as an embed on Discord and
// as a plain block elsewhere.
type Card struct {
	Title       string
	Description string
	ChannelID   string
	MessageID   string
}

// Outbox sends outbound messages.
type Outbox interface {
	Send(ctx context.Context, channelID, content string) (string, error)
	Reply(ctx context.Context, channelID, toMessageID, content string) (string, error)
	SendCard(ctx context.Context, channelID string, card Card) error
}

// Router parses inbound commands, drives the workflow engine and formats
// results back to the chat channel.
type Router struct {
	Engine  engine.Engine
	Gateway Gateway
	Outbox  Outbox
	Logger  *log.Logger
}

func New(e engine.Engine, gw Gateway, out Outbox) Router {
	return Router{Engine: e, Gateway: gw, Outbox: out, Logger: log.Default()}
}

func (r Router) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

// replyError carries the exact text a failure should show the user.
type replyError struct {
	msg string
	err error
}

func (e replyError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return e.msg
}

func (e replyError) Unwrap() error { return e.err }

func userFacing(msg string, err error) error {
	if err == nil {
		err = engine.ErrInvalidArgument
	}
	return replyError{msg: msg, err: err}
}

func usage(text string) error {
	return replyError{msg: text, err: engine.ErrInvalidArgument}
}

// Handle processes one inbound message to completion. Every failure path
// produces exactly one chat reply; nothing crashes the process.
func (r Router) Handle(ctx context.Context, msg Message) {
	if msg.FromBot {
		return
	}
	err := r.dispatch(ctx, msg)
	if err == nil {
		return
	}
	if _, sendErr := r.Outbox.Send(ctx, msg.ChannelID, r.errorMessage(err)); sendErr != nil {
		r.logf("send failure reply: %v", sendErr)
	}
	if !errors.Is(err, engine.ErrInvalidArgument) && !errors.Is(err, engine.ErrUnauthorized) &&
		!errors.Is(err, engine.ErrInsufficientPoints) && !errors.Is(err, store.ErrNotFound) {
		r.logf("handle %q from %s: %v", firstWord(msg.Content), msg.Author.ID, err)
	}
}

func (r Router) errorMessage(err error) string {
	var re replyError
	if errors.As(err, &re) && re.msg != "" {
		return re.msg
	}
	switch {
	case errors.Is(err, engine.ErrInsufficientPoints):
		return "You don't have enough points!"
	case errors.Is(err, engine.ErrUnauthorized):
		return "...(*￣０￣)ノ You are not worthy"
	case errors.Is(err, store.ErrNotFound):
		return "Request not found or already processed."
	case errors.Is(err, engine.ErrInvalidArgument):
		return "I did not understand that. Try `/help`."
	}
	return "An error occurred while processing the request."
}

func (r Router) dispatch(ctx context.Context, msg Message) error {
	content := msg.Content
	lower := strings.ToLower(content)
	switch {
	case lower == "ping":
		return r.send(ctx, msg.ChannelID, "pong!")
	case content == "/scoreboard":
		return r.handleScoreboard(ctx, msg)
	case content == "/tasks":
		return r.handleTasks(ctx, msg)
	case strings.HasPrefix(content, "/createtask"):
		return r.handleCreateTask(ctx, msg)
	case strings.HasPrefix(content, "/add"):
		return r.handleAdd(ctx, msg)
	case strings.HasPrefix(content, "/edittask"):
		return r.handleEditTask(ctx, msg)
	case strings.HasPrefix(content, "/do"):
		return r.handleDo(ctx, msg)
	case content == "/pending":
		return r.handlePending(ctx, msg)
	case lower == "yes" || lower == "no":
		return r.handleDecision(ctx, msg, lower == "yes")
	case strings.HasPrefix(content, "/begin"):
		return r.handleBegin(ctx, msg)
	case strings.HasPrefix(content, "/taskcompleted"):
		return r.handleTaskCompleted(ctx, msg)
	case content == "/help":
		return r.send(ctx, msg.ChannelID, helpText())
	case content == "stfu":
		return r.send(ctx, msg.ChannelID, "Nahi 🙂")
	}
	return nil
}

func (r Router) send(ctx context.Context, channelID, content string) error {
	_, err := r.Outbox.Send(ctx, channelID, content)
	return err
}

func (r Router) handleScoreboard(ctx context.Context, msg Message) error {
	users, err := r.Engine.Ledger.ListUsers(ctx)
	if err != nil {
		return userFacing("An error occurred while fetching the scoreboard.", err)
	}
	return r.send(ctx, msg.ChannelID, fence(scoreboard.Render(users)))
}

func (r Router) handleTasks(ctx context.Context, msg Message) error {
	tasks, err := r.Engine.Ledger.ListTasks(ctx, domain.StatusApproved)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Available Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "%d. %s - %s points\n", t.TaskID, t.Description, scoreboard.FormatPoints(t.Points))
	}
	return r.send(ctx, msg.ChannelID, fence(b.String()))
}

func (r Router) handleCreateTask(ctx context.Context, msg Message) error {
	args := strings.Fields(msg.Content)[1:]
	if len(args) < 2 {
		return usage("Usage: `/createtask <task name> <points>`")
	}
	points, err := strconv.ParseFloat(args[len(args)-1], 64)
	if err != nil {
		return usage("Usage: `/createtask <task name> <points>`")
	}
	name := strings.Join(args[:len(args)-1], " ")
	_, err = r.Engine.SubmitIntent(ctx, origin(msg), engine.TaskAdd{
		Requester:   msg.Author,
		Description: name,
		Points:      points,
	})
	return submitError("An error occurred while creating the request.", err)
}

func (r Router) handleAdd(ctx context.Context, msg Message) error {
	args := strings.Fields(msg.Content)
	target, ok := firstMention(msg)
	if !ok || len(args) < 3 {
		return usage("Usage: `/add <@user> <points>`")
	}
	points, err := strconv.ParseFloat(args[2], 64)
	if err != nil || points == 0 {
		return usage("Usage: `/add <@user> <points>`")
	}
	_, err = r.Engine.SubmitIntent(ctx, origin(msg), engine.PointsAdd{
		Requester: msg.Author,
		Target:    target,
		Points:    points,
	})
	return submitError("An error occurred while saving the request.", err)
}

func (r Router) handleEditTask(ctx context.Context, msg Message) error {
	args := strings.Fields(msg.Content)[1:]
	if len(args) < 3 {
		return usage("Usage: `/edittask <task ID> <new task description> <new points>`")
	}
	taskID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return usage("Usage: `/edittask <task ID> <new task description> <new points>`")
	}
	points, err := strconv.ParseFloat(args[len(args)-1], 64)
	if err != nil {
		return usage("Usage: `/edittask <task ID> <new task description> <new points>`")
	}
	name := strings.Join(args[1:len(args)-1], " ")
	_, err = r.Engine.SubmitIntent(ctx, origin(msg), engine.TaskEdit{
		Requester:   msg.Author,
		TaskID:      taskID,
		Description: name,
		Points:      points,
	})
	if errors.Is(err, engine.ErrTaskNotFound) {
		return userFacing("Task not found.", err)
	}
	return submitError("An error occurred while creating the request.", err)
}

func (r Router) handleDo(ctx context.Context, msg Message) error {
	args := strings.Fields(msg.Content)
	doer, ok := firstMention(msg)
	if !ok || len(args) < 4 {
		return usage("Usage: `/do <@user> <points> <taskId>`")
	}
	points, err := strconv.ParseFloat(args[2], 64)
	if err != nil || points == 0 {
		return usage("Usage: `/do <@user> <points> <taskId>`")
	}
	taskID, err := strconv.ParseInt(args[len(args)-1], 10, 64)
	if err != nil {
		return usage("Usage: `/do <@user> <points> <taskId>`")
	}
	_, err = r.Engine.SubmitIntent(ctx, origin(msg), engine.TaskDo{
		Requester: msg.Author,
		Doer:      doer,
		Points:    points,
		TaskID:    taskID,
	})
	if errors.Is(err, engine.ErrTaskNotFound) {
		return userFacing("Task not found -_-", err)
	}
	return submitError("An error occured while processing the task", err)
}

func (r Router) handlePending(ctx context.Context, msg Message) error {
	pendingReqs, err := r.Engine.Requests.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return userFacing("Error fetching pending lists and tasks", err)
	}
	pendingTasks, err := r.Engine.Ledger.ListTasks(ctx, domain.StatusPending)
	if err != nil {
		return userFacing("Error fetching pending lists and tasks", err)
	}
	ongoing, err := r.Engine.Requests.ListByStatus(ctx, domain.StatusOngoing)
	if err != nil {
		return userFacing("Error fetching pending lists and tasks", err)
	}
	review, err := r.Engine.Requests.ListByStatus(ctx, domain.StatusReview)
	if err != nil {
		return userFacing("Error fetching pending lists and tasks", err)
	}

	var b strings.Builder
	b.WriteString("Unapproved requests:\n")
	for i, req := range pendingReqs {
		r.sendCard(ctx, msg.ChannelID, req.ID, i, req.Description, req.Points, "Unapproved Request")
		fmt.Fprintf(&b, "%d. %s\n", i+1, req.Description)
	}
	b.WriteString("\nUnapproved tasks:\n")
	for i, t := range pendingTasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t.Description)
	}
	b.WriteString("\nOngoing tasks:\n")
	for i, req := range ongoing {
		r.sendCard(ctx, msg.ChannelID, req.ID, i, req.Description, req.Points, "Ongoing task")
		fmt.Fprintf(&b, "%d. %s\n", i+1, req.Description)
	}
	b.WriteString("\nUnreviewed tasks:\n")
	for i, req := range review {
		r.sendCard(ctx, msg.ChannelID, req.ID, i, req.Description, req.Points, "Unreviewed task")
		fmt.Fprintf(&b, "%d. %s\n", i+1, req.Description)
	}
	return r.send(ctx, msg.ChannelID, fence(b.String()))
}

func (r Router) sendCard(ctx context.Context, channelID, messageID string, idx int, description string, points float64, kind string) {
	err := r.Outbox.SendCard(ctx, channelID, Card{
		Title:       fmt.Sprintf("%d. %s for %s points", idx+1, description, scoreboard.FormatPoints(points)),
		Description: kind,
		ChannelID:   channelID,
		MessageID:   messageID,
	})
	if err != nil {
		r.logf("send card: %v", err)
	}
}

func (r Router) handleDecision(ctx context.Context, msg Message, approve bool) error {
	if msg.ReferenceID == "" {
		// A bare yes/no outside a reply is ordinary chatter.
		return nil
	}
	parent, err := r.Gateway.FetchMessage(ctx, msg.ChannelID, msg.ReferenceID)
	if err != nil {
		return err
	}
	chain := engine.ReplyChain{ParentID: parent.ID, GrandparentID: parent.ReferenceID}
	decision := engine.DecisionReject
	if approve {
		decision = engine.DecisionApprove
	}
	out, err := r.Engine.ResolveApproval(ctx, chain, msg.Author, decision)
	if err != nil {
		return err
	}
	return r.announce(ctx, msg, out)
}

// announce sends the user-visible result of a completed transition.
func (r Router) announce(ctx context.Context, msg Message, out engine.Outcome) error {
	approverName := r.displayName(ctx, msg.Author)
	req := out.Request
	switch out.Transition {
	case domain.StatusRejected:
		return r.send(ctx, msg.ChannelID,
			fmt.Sprintf("%s has rejected the request  `(╯‵□′)╯︵┻━┻`  from %s.", approverName, req.RequesterNickname))
	case domain.StatusApproved:
		switch req.Type {
		case domain.TypePointsAdd:
			if err := r.send(ctx, msg.ChannelID,
				fmt.Sprintf("I, %s approves your request.. %s ", approverName, req.RequesterNickname)); err != nil {
				return err
			}
			return r.handleScoreboard(ctx, msg)
		case domain.TypeTaskAdd:
			return r.send(ctx, msg.ChannelID, "Task approved and added")
		case domain.TypeTaskEdit:
			return r.send(ctx, msg.ChannelID, "Task edited successfully!")
		}
	case domain.StatusOngoing:
		return r.send(ctx, msg.ChannelID, fmt.Sprintf("%s is going to %s", approverName, req.Description))
	case domain.StatusCompleted:
		return r.send(ctx, msg.ChannelID,
			fmt.Sprintf("%s has completed the task: %s", req.ApproverNickname, req.Description))
	}
	return nil
}

func (r Router) handleBegin(ctx context.Context, msg Message) error {
	args := strings.Fields(msg.Content)
	mention, ok := firstMention(msg)
	nickname := ""
	if len(args) > 2 {
		nickname = strings.Join(args[2:], " ")
	}
	if !ok || nickname == "" {
		return usage("```Usage: /begin <@user> <nickname>```")
	}
	now := r.Engine.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
	if _, err := r.Engine.Ledger.UpsertUser(ctx, mention.ID, mention.Username, nickname, now); err != nil {
		return err
	}
	return r.send(ctx, msg.ChannelID, "Profile succesfully updated!")
}

func (r Router) handleTaskCompleted(ctx context.Context, msg Message) error {
	if msg.ReferenceID == "" {
		return usage("Mention the task message with\n```/taskcompleted```")
	}
	out, err := r.Engine.AdvanceTaskCompletion(ctx, msg.ReferenceID, msg.Author)
	if errors.Is(err, store.ErrNotFound) {
		// The reply may point at a bot follow-up rather than the prompt;
		// walk one level further before giving up.
		parent, ferr := r.Gateway.FetchMessage(ctx, msg.ChannelID, msg.ReferenceID)
		if ferr == nil && parent.ReferenceID != "" {
			out, err = r.Engine.AdvanceTaskCompletion(ctx, parent.ReferenceID, msg.Author)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return userFacing("Task not found or already completed", err)
	}
	if err != nil {
		return err
	}
	// Reply to the prompt so the final approval stays within two reply hops.
	_, err = r.Outbox.Reply(ctx, msg.ChannelID, out.Request.ID, "Task completed🎉❓ \nwait for approval from a user")
	return err
}

func (r Router) displayName(ctx context.Context, actor domain.Actor) string {
	if u, err := r.Engine.Ledger.GetUser(ctx, actor.ID); err == nil {
		return u.Nickname
	}
	if actor.Nickname != "" {
		return actor.Nickname
	}
	return actor.Username
}

func submitError(generic string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrInvalidArgument) || errors.Is(err, engine.ErrInsufficientPoints) {
		return err
	}
	return userFacing(generic, err)
}

func origin(msg Message) engine.Origin {
	return engine.Origin{ChannelID: msg.ChannelID, MessageID: msg.ID}
}

func firstMention(msg Message) (domain.Actor, bool) {
	if len(msg.Mentions) == 0 {
		return domain.Actor{}, false
	}
	return msg.Mentions[0], true
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

func fence(s string) string {
	return "```\n" + s + "\n```"
}

func helpText() string {
	type entry struct {
		name    string
		command string
		note    string
	}
	entries := []entry{
		{"Add points to a user", "/add <@user> <points>", ""},
		{"View Scoreboard", "/scoreboard", ""},
		{"View Tasks", "/tasks", ""},
		{"Create a new task", "/createtask <task name> <points>", ""},
		{"Edit a task", "/edittask <task ID> <new task description> <new points>", ""},
		{"Want someone to do a task ❓", "/do <@user> <points> <taskId>", ""},
		{"View pending tasks and requests", "/pending", ""},
		{"Create profile or Change nickname", "/begin <@user> <nickname>", "You can also change the nickname of other users (～￣▽￣)～"},
		{"Completed a task❓", "/taskcompleted", "⚠Reply to the TASK message"},
		{"Approve request or task", "`yes`", "⚠Reply to the bot approval message"},
		{"Reject a request or task", "`no`", "⚠Reply to the bot approval message"},
	}
	var b strings.Builder
	b.WriteString("```Here is the commands list: \n")
	for i, e := range entries {
		fmt.Fprintf(&b, "\n%d. %s\n   Use: %s\n   %s\n\n", i+1, e.name, e.command, e.note)
	}
	b.WriteString("\n```")
	return b.String()
}
