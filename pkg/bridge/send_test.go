package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/corvid-labs/courier/pkg/channels"
	"github.com/corvid-labs/courier/pkg/store"
)

func activeRegistry(t *testing.T, conns ...*fakeConn) *channels.Registry {
	t.Helper()
	r := channels.NewRegistry()
	for _, conn := range conns {
		r.Register(conn, channels.Config{Enabled: true})
	}
	channels.SetActive(r)
	t.Cleanup(func() { channels.SetActive(nil) })
	return r
}

func TestSendMessageExplicitDestination(t *testing.T) {
	conn := &fakeConn{id: "telegram", connected: true}
	activeRegistry(t, conn)
	st := testStore(t)

	err := SendMessage(context.Background(), st, "", "telegram", "42", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := conn.sentMessages()
	if len(sent) != 1 || sent[0].To != "42" {
		t.Errorf("sent = %v", sent)
	}
}

func TestSendMessageResolvesDeliveryContext(t *testing.T) {
	conn := &fakeConn{id: "whatsapp", connected: true}
	activeRegistry(t, conn)
	st := testStore(t)
	ctx := context.Background()

	conv, _ := st.GetOrCreate(ctx, "main", "key")
	st.UpdateDeliveryContext(ctx, conv.ID, store.DeliveryContext{
		Channel: "whatsapp", To: "555@s.whatsapp.net",
	})

	if err := SendMessage(ctx, st, conv.ID, "", "", "reply"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := conn.sentMessages()
	if len(sent) != 1 || sent[0].To != "555@s.whatsapp.net" {
		t.Errorf("sent = %v", sent)
	}
}

func TestSendMessageNoDestination(t *testing.T) {
	activeRegistry(t)
	st := testStore(t)

	err := SendMessage(context.Background(), st, "", "", "", "orphan")
	if !errors.Is(err, channels.ErrNoDestination) {
		t.Errorf("err = %v, want ErrNoDestination", err)
	}
}

func TestSendMessageEmptyDeliveryContext(t *testing.T) {
	activeRegistry(t, &fakeConn{id: "telegram", connected: true})
	st := testStore(t)
	ctx := context.Background()

	// conversation exists but has never seen an inbound message
	conv, _ := st.GetOrCreate(ctx, "main", "key")

	err := SendMessage(ctx, st, conv.ID, "", "", "reply")
	if !errors.Is(err, channels.ErrNoDestination) {
		t.Errorf("err = %v, want ErrNoDestination", err)
	}
}

func TestSendMessageUnknownChannel(t *testing.T) {
	activeRegistry(t)
	st := testStore(t)

	err := SendMessage(context.Background(), st, "", "ghost", "42", "hello")
	if !errors.Is(err, channels.ErrUnknownChannel) {
		t.Errorf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestSendMessageRequiresConnection(t *testing.T) {
	conn := &fakeConn{id: "telegram", connected: false}
	activeRegistry(t, conn)
	st := testStore(t)

	err := SendMessage(context.Background(), st, "", "telegram", "42", "hello")
	if !errors.Is(err, channels.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendMessageNoActiveRegistry(t *testing.T) {
	channels.SetActive(nil)
	st := testStore(t)

	err := SendMessage(context.Background(), st, "", "telegram", "42", "hello")
	if err == nil {
		t.Fatal("expected error with no active registry")
	}
}
