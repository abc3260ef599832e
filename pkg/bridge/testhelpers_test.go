// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-gitea-bridge/pkg/sessionstore"
)

const (
	testAppID  = "gitea"
	testDomain = "example.com"
	testBot    = id.UserID("@gitea:example.com")
)

func testConfig() *BridgeConfig {
	cfg := &BridgeConfig{Enabled: true, Port: 29400, DisplayName: "Gitea Bot"}
	cfg.Bridge.URL = "http://localhost:29400"
	cfg.Tokens.AppService = "as-secret"
	cfg.Tokens.Homeserver = "hs-secret"
	cfg.Homeserver.URL = "http://localhost:8008"
	cfg.Homeserver.Domain = testDomain
	return cfg
}

// sentMessage is a message captured by fakeNetwork.
type sentMessage struct {
	Room    id.RoomID
	Content *event.MessageEventContent
}

// fakeNetwork is an in-memory ChatNetwork that records every call.
type fakeNetwork struct {
	mu sync.Mutex

	ListenErr      error
	RegisterErr    error
	DisplayNameErr error
	DeviceErr      error
	JoinedErr      error
	SendErr        error
	// JoinErrs is consumed one entry per JoinRoom call.
	JoinErrs []error

	Device  id.DeviceID
	Initial []id.RoomID

	// RegisterGate, when set, blocks EnsureRegistered until closed.
	RegisterGate chan struct{}
	// BlockSend makes SendMessage wait for its context to end.
	BlockSend bool

	calls        []string
	displayNames []string
	joins        map[id.RoomID]int
	sent         []sentMessage
	dispatcher   Dispatcher
	listening    bool
	delivering   sync.WaitGroup
	inDelivery   int
}

var _ ChatNetwork = (*fakeNetwork)(nil)

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{Device: "FAKEDEVICE", joins: make(map[id.RoomID]int)}
}

func (f *fakeNetwork) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeNetwork) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNetwork) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeNetwork) Joins(room id.RoomID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[room]
}

func (f *fakeNetwork) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening
}

func (f *fakeNetwork) Listen(_ context.Context, d Dispatcher) error {
	f.record("listen")
	if f.ListenErr != nil {
		return f.ListenErr
	}
	f.mu.Lock()
	f.dispatcher = d
	f.listening = true
	f.mu.Unlock()
	return nil
}

// Deliver hands evt to the dispatcher the way the listener would. Close
// waits for deliveries in progress.
func (f *fakeNetwork) Deliver(ctx context.Context, evt InboundEvent) (*Reply, error) {
	f.mu.Lock()
	d := f.dispatcher
	if !f.listening || d == nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake network is not listening")
	}
	f.delivering.Add(1)
	f.inDelivery++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inDelivery--
		f.mu.Unlock()
		f.delivering.Done()
	}()
	return d.Dispatch(ctx, evt)
}

// InDelivery returns the number of Deliver calls still waiting on the
// dispatcher.
func (f *fakeNetwork) InDelivery() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inDelivery
}

func (f *fakeNetwork) Close(context.Context) error {
	f.record("close")
	f.mu.Lock()
	f.listening = false
	f.mu.Unlock()
	f.delivering.Wait()
	return nil
}

func (f *fakeNetwork) EnsureRegistered(ctx context.Context) error {
	f.record("register")
	if f.RegisterGate != nil {
		select {
		case <-f.RegisterGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.RegisterErr
}

func (f *fakeNetwork) SetDisplayName(_ context.Context, name string) error {
	f.record("displayname")
	if f.DisplayNameErr != nil {
		return f.DisplayNameErr
	}
	f.mu.Lock()
	f.displayNames = append(f.displayNames, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeNetwork) JoinRoom(_ context.Context, room id.RoomID) error {
	f.record("join")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins[room]++
	if len(f.JoinErrs) > 0 {
		err := f.JoinErrs[0]
		f.JoinErrs = f.JoinErrs[1:]
		return err
	}
	return nil
}

func (f *fakeNetwork) JoinedRooms(context.Context) ([]id.RoomID, error) {
	f.record("joined_rooms")
	return f.Initial, f.JoinedErr
}

func (f *fakeNetwork) DeviceID(context.Context) (id.DeviceID, error) {
	f.record("device")
	return f.Device, f.DeviceErr
}

func (f *fakeNetwork) SendMessage(ctx context.Context, room id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	f.record("send")
	if f.BlockSend {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Room: room, Content: content})
	return id.EventID(fmt.Sprintf("$sent%d", len(f.sent))), nil
}

// processedMessage is a call captured by recordingProcessor.
type processedMessage struct {
	Room   id.RoomID
	Sender id.UserID
	Text   string
}

// recordingProcessor records ProcessMessage calls. When Gate is set each call
// blocks until a value is received from it.
type recordingProcessor struct {
	mu       sync.Mutex
	messages []processedMessage
	Gate     chan struct{}
	Started  chan struct{}
	Err      error

	active    int
	maxActive int
}

func (p *recordingProcessor) ProcessMessage(_ context.Context, room id.RoomID, sender id.UserID, text string) error {
	p.mu.Lock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()
	if p.Started != nil {
		p.Started <- struct{}{}
	}
	if p.Gate != nil {
		<-p.Gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.messages = append(p.messages, processedMessage{Room: room, Sender: sender, Text: text})
	return p.Err
}

func (p *recordingProcessor) Messages() []processedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]processedMessage(nil), p.messages...)
}

func (p *recordingProcessor) MaxActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

func newTestRouter(t *testing.T, cfg *BridgeConfig, net *fakeNetwork, proc MessageProcessor) *Router {
	t.Helper()
	if proc == nil {
		proc = &recordingProcessor{}
	}
	return NewRouter(testAppID, cfg, net, sessionstore.NewMemoryStore(), proc, zerolog.Nop())
}

func startTestRouter(t *testing.T, net *fakeNetwork, proc MessageProcessor) *Router {
	t.Helper()
	r := newTestRouter(t, testConfig(), net, proc)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func textMessage(room id.RoomID, sender id.UserID, body string) *PlainMessage {
	return &PlainMessage{
		EventMeta: EventMeta{Room: room, From: sender, EventID: "$msg"},
		Content:   &event.MessageEventContent{MsgType: event.MsgText, Body: body},
	}
}
