package router_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"tallybot/internal/db"
	"tallybot/internal/domain"
	"tallybot/internal/engine"
	"tallybot/internal/migrate"
	"tallybot/internal/router"
)

// fakeChat plays both gateway roles: it records everything the bot sends and
// answers message lookups so reply chains resolve.
type fakeChat struct {
	nextID   int
	messages map[string]router.Message
	sent     []router.Message
	cards    []router.Card
}

func newFakeChat() *fakeChat {
	return &fakeChat{messages: map[string]router.Message{}}
}

func (f *fakeChat) id() string {
	f.nextID++
	return fmt.Sprintf("m%d", f.nextID)
}

func (f *fakeChat) Send(ctx context.Context, channelID, content string) (string, error) {
	msg := router.Message{ID: f.id(), ChannelID: channelID, Content: content, FromBot: true}
	f.messages[msg.ID] = msg
	f.sent = append(f.sent, msg)
	return msg.ID, nil
}

func (f *fakeChat) Reply(ctx context.Context, channelID, toMessageID, content string) (string, error) {
	msg := router.Message{ID: f.id(), ChannelID: channelID, ReferenceID: toMessageID, Content: content, FromBot: true}
	f.messages[msg.ID] = msg
	f.sent = append(f.sent, msg)
	return msg.ID, nil
}

func (f *fakeChat) SendCard(ctx context.Context, channelID string, card router.Card) error {
	f.cards = append(f.cards, card)
	return nil
}

func (f *fakeChat) FetchMessage(ctx context.Context, channelID, messageID string) (router.Message, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return router.Message{}, fmt.Errorf("message %s not found", messageID)
	}
	return msg, nil
}

// user sends an inbound message and returns it so tests can reference it.
func (f *fakeChat) user(rt router.Router, author domain.Actor, content string, opts ...func(*router.Message)) router.Message {
	msg := router.Message{ID: f.id(), ChannelID: "general", Author: author, Content: content}
	for _, opt := range opts {
		opt(&msg)
	}
	f.messages[msg.ID] = msg
	rt.Handle(context.Background(), msg)
	return msg
}

func replyTo(id string) func(*router.Message) {
	return func(m *router.Message) { m.ReferenceID = id }
}

func mention(a domain.Actor) func(*router.Message) {
	return func(m *router.Message) { m.Mentions = append(m.Mentions, a) }
}

func (f *fakeChat) lastSent(t *testing.T) router.Message {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeChat) sentContaining(substr string) *router.Message {
	for i := range f.sent {
		if strings.Contains(f.sent[i].Content, substr) {
			return &f.sent[i]
		}
	}
	return nil
}

type routerEnv struct {
	Router router.Router
	Chat   *fakeChat

	Alice domain.Actor
	Bob   domain.Actor
	Carol domain.Actor
}

func newRouterEnv(t *testing.T) routerEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	chat := newFakeChat()
	eng := engine.New(conn, chat)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	env := routerEnv{
		Router: router.New(eng, chat, chat),
		Chat:   chat,
		Alice:  domain.Actor{ID: "alice", Username: "alice"},
		Bob:    domain.Actor{ID: "bob", Username: "bob"},
		Carol:  domain.Actor{ID: "carol", Username: "carol"},
	}
	now := eng.Now().UTC().Format(time.RFC3339)
	for _, u := range []struct{ id, nick string }{
		{"alice", "Alice"}, {"bob", "Bob"}, {"carol", "Carol"},
	} {
		if _, err := eng.Ledger.UpsertUser(context.Background(), u.id, u.id, u.nick, now); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	return env
}

func TestPing(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "ping")
	if got := env.Chat.lastSent(t).Content; got != "pong!" {
		t.Fatalf("got %q", got)
	}
}

func TestAddUsage(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/add")
	if got := env.Chat.lastSent(t).Content; got != "Usage: `/add <@user> <points>`" {
		t.Fatalf("got %q", got)
	}
	before := len(env.Chat.sent)
	env.Chat.user(env.Router, env.Alice, "/add bogus", mention(env.Bob))
	if len(env.Chat.sent) != before+1 {
		t.Fatalf("want exactly one failure reply, got %d", len(env.Chat.sent)-before)
	}
}

func TestPointsAddRoundTrip(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/add <@bob> 10", mention(env.Bob))
	prompt := env.Chat.sentContaining("requested 10 points")
	if prompt == nil {
		t.Fatalf("no approval prompt sent")
	}

	// Alice cannot say yes to herself.
	env.Chat.user(env.Router, env.Alice, "yes", replyTo(prompt.ID))
	if env.Chat.sentContaining("not worthy") == nil {
		t.Fatalf("expected unauthorized reply")
	}

	env.Chat.user(env.Router, env.Bob, "yes", replyTo(prompt.ID))
	if env.Chat.sentContaining("I, Bob approves your request.. Alice") == nil {
		t.Fatalf("missing approval announcement")
	}
	if env.Chat.sentContaining("SCOREBOARD") == nil {
		t.Fatalf("scoreboard not sent after approval")
	}

	// A second yes gets a single not-found reply.
	before := len(env.Chat.sent)
	env.Chat.user(env.Router, env.Bob, "yes", replyTo(prompt.ID))
	if len(env.Chat.sent) != before+1 {
		t.Fatalf("want one reply, got %d", len(env.Chat.sent)-before)
	}
	if got := env.Chat.lastSent(t).Content; got != "Request not found or already processed." {
		t.Fatalf("got %q", got)
	}
}

func TestRejectAnnouncement(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/createtask sweep the floor 4")
	prompt := env.Chat.sentContaining("Task addition request created")
	if prompt == nil {
		t.Fatalf("no prompt")
	}
	env.Chat.user(env.Router, env.Bob, "no", replyTo(prompt.ID))
	if env.Chat.sentContaining("has rejected the request") == nil {
		t.Fatalf("missing rejection announcement")
	}
}

func TestTaskDoFullConversation(t *testing.T) {
	env := newRouterEnv(t)

	// Give Alice a balance first.
	env.Chat.user(env.Router, env.Alice, "/add <@alice> 10", mention(env.Alice))
	addPrompt := env.Chat.sentContaining("requested 10 points")
	env.Chat.user(env.Router, env.Bob, "yes", replyTo(addPrompt.ID))

	// Create the task.
	env.Chat.user(env.Router, env.Alice, "/createtask mow the lawn 5")
	taskPrompt := env.Chat.sentContaining("Task addition request created")
	env.Chat.user(env.Router, env.Bob, "yes", replyTo(taskPrompt.ID))
	if env.Chat.sentContaining("Task approved and added") == nil {
		t.Fatalf("task not created")
	}

	// Delegate it to Bob for 5 points.
	env.Chat.user(env.Router, env.Alice, "/do <@bob> 5 1", mention(env.Bob))
	doPrompt := env.Chat.sentContaining("has been requested to: mow the lawn")
	if doPrompt == nil {
		t.Fatalf("no delegation prompt")
	}
	env.Chat.user(env.Router, env.Bob, "yes", replyTo(doPrompt.ID))
	if env.Chat.sentContaining("Bob is going to mow the lawn") == nil {
		t.Fatalf("missing ongoing announcement")
	}

	// Bob reports completion by replying to the prompt.
	env.Chat.user(env.Router, env.Bob, "/taskcompleted", replyTo(doPrompt.ID))
	done := env.Chat.sentContaining("Task completed")
	if done == nil {
		t.Fatalf("missing completion follow-up")
	}
	if done.ReferenceID != doPrompt.ID {
		t.Fatalf("follow-up should reply to the prompt")
	}

	// Carol certifies by replying to the follow-up; the prompt is one
	// reference level up.
	env.Chat.user(env.Router, env.Carol, "yes", replyTo(done.ID))
	if env.Chat.sentContaining("Bob has completed the task: mow the lawn") == nil {
		t.Fatalf("missing completion announcement")
	}
}

func TestInsufficientPointsMessage(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/createtask mow the lawn 5")
	taskPrompt := env.Chat.sentContaining("Task addition request created")
	env.Chat.user(env.Router, env.Bob, "yes", replyTo(taskPrompt.ID))

	env.Chat.user(env.Router, env.Alice, "/do <@bob> 5 1", mention(env.Bob))
	if got := env.Chat.lastSent(t).Content; got != "You don't have enough points!" {
		t.Fatalf("got %q", got)
	}
}

func TestTaskNotFoundReplies(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/edittask 99 paint the fence 5")
	if got := env.Chat.lastSent(t).Content; got != "Task not found." {
		t.Fatalf("edittask reply = %q", got)
	}

	// Fund Alice so the delegation gets as far as the task lookup.
	env.Chat.user(env.Router, env.Alice, "/add <@alice> 10", mention(env.Alice))
	prompt := env.Chat.sentContaining("requested 10 points")
	if prompt == nil {
		t.Fatalf("no approval prompt")
	}
	env.Chat.user(env.Router, env.Bob, "yes", replyTo(prompt.ID))

	env.Chat.user(env.Router, env.Alice, "/do <@bob> 5 99", mention(env.Bob))
	if got := env.Chat.lastSent(t).Content; got != "Task not found -_-" {
		t.Fatalf("do reply = %q", got)
	}
}

func TestBareYesOutsideReplyIsIgnored(t *testing.T) {
	env := newRouterEnv(t)
	before := len(env.Chat.sent)
	env.Chat.user(env.Router, env.Alice, "yes")
	if len(env.Chat.sent) != before {
		t.Fatalf("bare yes should not produce a reply")
	}
}

func TestScoreboardCommand(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/scoreboard")
	out := env.Chat.lastSent(t).Content
	if !strings.HasPrefix(out, "```") || !strings.Contains(out, "SCOREBOARD") {
		t.Fatalf("got %q", out)
	}
}

func TestBeginUpdatesProfile(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/begin <@bob> Bobby", mention(env.Bob))
	if got := env.Chat.lastSent(t).Content; got != "Profile succesfully updated!" {
		t.Fatalf("got %q", got)
	}
	env.Chat.user(env.Router, env.Alice, "/begin")
	if !strings.Contains(env.Chat.lastSent(t).Content, "Usage: /begin") {
		t.Fatalf("got %q", env.Chat.lastSent(t).Content)
	}
}

func TestPendingListsGroups(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/add <@bob> 3", mention(env.Bob))
	env.Chat.user(env.Router, env.Alice, "/pending")
	list := env.Chat.lastSent(t).Content
	for _, section := range []string{"Unapproved requests:", "Unapproved tasks:", "Ongoing tasks:", "Unreviewed tasks:"} {
		if !strings.Contains(list, section) {
			t.Fatalf("missing section %q in %q", section, list)
		}
	}
	if len(env.Chat.cards) != 1 {
		t.Fatalf("cards = %d, want 1", len(env.Chat.cards))
	}
	if !strings.Contains(env.Chat.cards[0].Title, "add 3 points") {
		t.Fatalf("card title = %q", env.Chat.cards[0].Title)
	}
}

func TestHelpListsCommands(t *testing.T) {
	env := newRouterEnv(t)
	env.Chat.user(env.Router, env.Alice, "/help")
	out := env.Chat.lastSent(t).Content
	for _, cmd := range []string{"/add", "/scoreboard", "/createtask", "/do", "/taskcompleted", "/begin"} {
		if !strings.Contains(out, cmd) {
			t.Fatalf("help missing %s", cmd)
		}
	}
}

func TestBotMessagesIgnored(t *testing.T) {
	env := newRouterEnv(t)
	before := len(env.Chat.sent)
	msg := router.Message{ID: env.Chat.id(), ChannelID: "general", Content: "ping", FromBot: true}
	env.Router.Handle(context.Background(), msg)
	if len(env.Chat.sent) != before {
		t.Fatalf("bot message should be ignored")
	}
}
