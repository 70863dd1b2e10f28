package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tallybot/internal/domain"
	"tallybot/internal/router"
)

// Console is an in-process gateway for local experiments. It reads commands
// from stdin and prints the bot's replies, keeping every message in memory
// so reply chains can be resolved just like on Discord.
//
// Input syntax:
//
//	<content>             send as the operator user
//	as <user>: <content>  send as another user
//	^<msgid> <content>    reply to a previous message
//
// Mentions are written as @name; the name doubles as the user id.
type Console struct {
	In  io.Reader
	Out io.Writer

	mu       sync.Mutex
	messages map[string]router.Message
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{In: in, Out: out, messages: make(map[string]router.Message)}
}

func (c *Console) Run(ctx context.Context, r router.Router) error {
	scanner := bufio.NewScanner(c.In)
	fmt.Fprintln(c.Out, "console gateway ready; try /help")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg := c.parse(line)
		c.remember(msg)
		r.Handle(ctx, msg)
	}
	return scanner.Err()
}

func (c *Console) parse(line string) router.Message {
	author := domain.Actor{ID: "operator", Username: "operator"}
	if rest, ok := strings.CutPrefix(line, "as "); ok {
		if name, content, found := strings.Cut(rest, ": "); found {
			author = domain.Actor{ID: name, Username: name}
			line = content
		}
	}
	msg := router.Message{
		ID:        uuid.NewString(),
		ChannelID: "console",
		Author:    author,
	}
	if strings.HasPrefix(line, "^") {
		if ref, content, found := strings.Cut(line[1:], " "); found {
			msg.ReferenceID = ref
			line = content
		}
	}
	for _, field := range strings.Fields(line) {
		if name, ok := strings.CutPrefix(field, "@"); ok && name != "" {
			msg.Mentions = append(msg.Mentions, domain.Actor{ID: name, Username: name})
		}
	}
	msg.Content = line
	return msg
}

func (c *Console) remember(msg router.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[msg.ID] = msg
}

func (c *Console) Send(ctx context.Context, channelID, content string) (string, error) {
	msg := router.Message{ID: uuid.NewString(), ChannelID: channelID, FromBot: true, Content: content}
	c.remember(msg)
	fmt.Fprintf(c.Out, "[%s]\n%s\n", msg.ID, content)
	return msg.ID, nil
}

func (c *Console) Reply(ctx context.Context, channelID, toMessageID, content string) (string, error) {
	msg := router.Message{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		ReferenceID: toMessageID,
		FromBot:     true,
		Content:     content,
	}
	c.remember(msg)
	fmt.Fprintf(c.Out, "[%s -> %s]\n%s\n", msg.ID, toMessageID, content)
	return msg.ID, nil
}

func (c *Console) SendCard(ctx context.Context, channelID string, card router.Card) error {
	fmt.Fprintf(c.Out, "* %s (%s)\n", card.Title, card.Description)
	return nil
}

func (c *Console) FetchMessage(ctx context.Context, channelID, messageID string) (router.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.messages[messageID]
	if !ok {
		return router.Message{}, fmt.Errorf("message %s not found", messageID)
	}
	return msg, nil
}
