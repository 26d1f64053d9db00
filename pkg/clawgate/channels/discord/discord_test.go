package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

func message(authorID, channelID, guildID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: channelID,
		GuildID:   guildID,
		Content:   content,
		Timestamp: time.Unix(1700000000, 0),
		Author:    &discordgo.User{ID: authorID, Username: "ada"},
	}
}

func TestInbound_PlainChannel(t *testing.T) {
	d := New(DefaultConfig(), nil)
	msg := d.inbound("bot", message("u1", "c1", "g1", "hello"), &discordgo.Channel{ID: "c1", Type: discordgo.ChannelTypeGuildText})
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.ChatID != "c1" || msg.ThreadID != "" || !msg.IsGroup {
		t.Errorf("unexpected route chat=%q thread=%q group=%v", msg.ChatID, msg.ThreadID, msg.IsGroup)
	}
	if msg.SenderName != "ada" || msg.Text != "hello" {
		t.Errorf("unexpected sender/text %q/%q", msg.SenderName, msg.Text)
	}
}

func TestInbound_ThreadMapsToParent(t *testing.T) {
	d := New(DefaultConfig(), nil)
	thread := &discordgo.Channel{ID: "t9", ParentID: "c1", Type: discordgo.ChannelTypeGuildPublicThread}
	msg := d.inbound("bot", message("u1", "t9", "g1", "in thread"), thread)
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.ChatID != "c1" || msg.ThreadID != "t9" {
		t.Errorf("expected c1/t9, got %q/%q", msg.ChatID, msg.ThreadID)
	}

	cfg := DefaultConfig()
	cfg.RespondToThreads = false
	if New(cfg, nil).inbound("bot", message("u1", "t9", "g1", "x"), thread) != nil {
		t.Error("expected thread message to be ignored")
	}
}

func TestInbound_Ignores(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedGuilds = []string{"g1"}
	cfg.AllowedChannels = []string{"c1"}
	d := New(cfg, nil)

	bot := message("u2", "c1", "g1", "beep")
	bot.Author.Bot = true

	cases := map[string]*discordgo.Message{
		"self":           message("bot", "c1", "g1", "echo"),
		"other bot":      bot,
		"empty":          message("u1", "c1", "g1", ""),
		"guild":          message("u1", "c1", "g2", "hi"),
		"channel":        message("u1", "c2", "g1", "hi"),
		"missing author": {ID: "m", ChannelID: "c1", Content: "hi"},
	}
	for name, m := range cases {
		if d.inbound("bot", m, nil) != nil {
			t.Errorf("%s: expected message to be ignored", name)
		}
	}
	if d.inbound("bot", message("u1", "c1", "g1", "hi"), nil) == nil {
		t.Error("expected allowed message to pass")
	}
}

func TestSend_NotConnected(t *testing.T) {
	d := New(DefaultConfig(), nil)
	err := d.Send(context.Background(), "c1", "hi", channels.SendOptions{})
	if !errors.Is(err, channels.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStart_RequiresToken(t *testing.T) {
	d := New(Config{}, nil)
	if err := d.Start(context.Background(), func(context.Context, *channels.InboundMessage) {}); err == nil {
		t.Fatal("expected error without a token")
	}
}
