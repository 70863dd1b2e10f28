package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"

	"tallybot/internal/domain"
	"tallybot/internal/router"
)

// Discord bridges a discordgo session to the command router. It implements
// both router.Gateway and router.Outbox.
type Discord struct {
	Session *discordgo.Session
	Logger  *log.Logger

	// GuildID, when configured, saves a channel lookup per embed link.
	GuildID string
}

func NewDiscord(token string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	return &Discord{Session: session, Logger: log.Default()}, nil
}

// Run connects to the Discord gateway and pumps message-create events into
// the router until ctx is cancelled.
func (d *Discord) Run(ctx context.Context, r router.Router) error {
	remove := d.Session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		r.Handle(ctx, d.toMessage(m.Message))
	})
	defer remove()

	if err := d.Session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer d.Session.Close()

	d.Logger.Printf("connected as %s", d.Session.State.User.Username)
	<-ctx.Done()
	return ctx.Err()
}

func (d *Discord) toMessage(m *discordgo.Message) router.Message {
	msg := router.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		msg.Author = domain.Actor{ID: m.Author.ID, Username: m.Author.Username}
		msg.FromBot = m.Author.Bot
	}
	if m.MessageReference != nil {
		msg.ReferenceID = m.MessageReference.MessageID
	}
	for _, u := range m.Mentions {
		msg.Mentions = append(msg.Mentions, domain.Actor{ID: u.ID, Username: u.Username})
	}
	return msg
}

func (d *Discord) Send(ctx context.Context, channelID, content string) (string, error) {
	m, err := d.Session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return m.ID, nil
}

func (d *Discord) Reply(ctx context.Context, channelID, toMessageID, content string) (string, error) {
	m, err := d.Session.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
		ChannelID: channelID,
		MessageID: toMessageID,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}
	return m.ID, nil
}

func (d *Discord) SendCard(ctx context.Context, channelID string, card router.Card) error {
	embed := &discordgo.MessageEmbed{
		Title:       card.Title,
		Description: card.Description,
	}
	if card.MessageID != "" {
		guildID := d.GuildID
		if guildID == "" {
			if channel, err := d.Session.Channel(card.ChannelID, discordgo.WithContext(ctx)); err == nil {
				guildID = channel.GuildID
			}
		}
		if guildID != "" {
			embed.URL = fmt.Sprintf("https://discord.com/channels/%s/%s/%s",
				guildID, card.ChannelID, card.MessageID)
		}
	}
	_, err := d.Session.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("send embed: %w", err)
	}
	return nil
}

func (d *Discord) FetchMessage(ctx context.Context, channelID, messageID string) (router.Message, error) {
	m, err := d.Session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return router.Message{}, fmt.Errorf("fetch message %s: %w", messageID, err)
	}
	return d.toMessage(m), nil
}
