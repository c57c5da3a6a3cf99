package whatsapp

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// session is the slice of the whatsmeow client the connection state machine
// drives. Narrowed to an interface so the close/reconnect branches are
// testable without a socket.
type session interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	AddEventHandler(fn func(evt any)) uint32
	RemoveEventHandlers()
	Paired() bool
	QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendText(ctx context.Context, to types.JID, text string) error
	SaveCredentials(ctx context.Context) error
	WipeCredentials(ctx context.Context) error
	GroupName(ctx context.Context, jid types.JID) string
}

type waSession struct {
	client *whatsmeow.Client
	device *store.Device
}

// openSession loads the persisted device credentials and binds a fresh
// client to them. Reconnect policy belongs to the connection, not the
// library, so the client's own auto-reconnect stays off.
func openSession(ctx context.Context, dbPath string) (session, error) {
	container, err := sqlstore.New(ctx, "sqlite",
		fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", dbPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: opening credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: loading device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = false

	return &waSession{client: client, device: device}, nil
}

func (s *waSession) Connect() error      { return s.client.Connect() }
func (s *waSession) Disconnect()         { s.client.Disconnect() }
func (s *waSession) IsConnected() bool   { return s.client.IsConnected() }
func (s *waSession) RemoveEventHandlers() { s.client.RemoveEventHandlers() }

func (s *waSession) AddEventHandler(fn func(evt any)) uint32 {
	return s.client.AddEventHandler(fn)
}

func (s *waSession) Paired() bool {
	return s.client.Store.ID != nil
}

func (s *waSession) QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	return s.client.GetQRChannel(ctx)
}

func (s *waSession) SendText(ctx context.Context, to types.JID, text string) error {
	_, err := s.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: &text,
	})
	return err
}

func (s *waSession) SaveCredentials(ctx context.Context) error {
	return s.device.Save(ctx)
}

func (s *waSession) WipeCredentials(ctx context.Context) error {
	return s.device.Delete(ctx)
}

func (s *waSession) GroupName(ctx context.Context, jid types.JID) string {
	info, err := s.client.GetGroupInfo(ctx, jid)
	if err != nil || info == nil {
		return ""
	}
	return info.Name
}
