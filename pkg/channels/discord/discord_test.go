package discord

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/corvid-labs/courier/pkg/channels"
)

func TestAllowsSenderMatchesIDAndUsername(t *testing.T) {
	c := New(Options{ID: "discord", Token: "t", Enabled: true,
		Policy: channels.Policy{AllowFrom: []string{"100200300", "alice"}},
	})

	msg := func(id, username string) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{Message: &discordgo.Message{
			Author: &discordgo.User{ID: id, Username: username},
		}}
	}

	if !c.allowsSender(msg("100200300", "someone")) {
		t.Error("listed id rejected")
	}
	if !c.allowsSender(msg("999", "alice")) {
		t.Error("listed username rejected")
	}
	if c.allowsSender(msg("999", "mallory")) {
		t.Error("unlisted sender admitted")
	}
}

func TestMentionsUser(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "bot-123"}},
	}}
	if !mentionsUser(m, "bot-123") {
		t.Error("mention not detected")
	}
	if mentionsUser(m, "bot-456") {
		t.Error("mention of another user matched")
	}

	empty := &discordgo.MessageCreate{Message: &discordgo.Message{}}
	if mentionsUser(empty, "bot-123") {
		t.Error("mention detected with no mentions")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	c := New(Options{ID: "discord", Token: "t", Enabled: true})
	err := c.Send(context.Background(), "hi", "channel-1")
	if !errors.Is(err, channels.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestStartWithoutTokenIsNoop(t *testing.T) {
	c := New(Options{ID: "discord", Enabled: true})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Connected() {
		t.Error("unconfigured channel reported connected")
	}
	if got := c.state.Get(); got != channels.StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestDisabledStartIsNoop(t *testing.T) {
	c := New(Options{ID: "discord", Enabled: false})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Connected() {
		t.Error("disabled channel reported connected")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(Options{ID: "discord", Token: "t", Enabled: true})
	for i := 0; i < 2; i++ {
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
}
