// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testRoom = id.RoomID("!room:example.com")

func invite(target id.UserID, room id.RoomID) *MembershipChange {
	return &MembershipChange{
		EventMeta:  EventMeta{Room: room, From: "@alice:example.com", EventID: "$invite"},
		Target:     target,
		Membership: event.MembershipInvite,
	}
}

func TestRouterInviteJoinsAndConfirms(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	r := startTestRouter(t, net, nil)

	if _, err := r.Dispatch(context.Background(), invite(testBot, testRoom)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if net.Joins(testRoom) != 1 {
		t.Fatalf("bot should join the room once, got %d", net.Joins(testRoom))
	}
	sent := net.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(sent))
	}
	content := sent[0].Content
	if sent[0].Room != testRoom || !strings.Contains(content.Body, "Joined room "+string(testRoom)) {
		t.Errorf("confirmation: got %+v", sent[0])
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		t.Errorf("confirmation should be markup-rendered, got %+v", content)
	}
}

func TestRouterInviteIdempotent(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	r := startTestRouter(t, net, nil)
	for range 2 {
		if _, err := r.Dispatch(context.Background(), invite(testBot, testRoom)); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if net.Joins(testRoom) != 1 || len(net.Sent()) != 1 {
		t.Errorf("second invite should be ignored: joins=%d sent=%d", net.Joins(testRoom), len(net.Sent()))
	}
}

func TestRouterIgnoresOtherMembership(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	r := startTestRouter(t, net, nil)
	events := []*MembershipChange{
		invite("@alice:example.com", testRoom),
		invite("@gitea_puppet:example.com", testRoom),
		{EventMeta: EventMeta{Room: testRoom}, Target: testBot, Membership: event.MembershipKnock},
	}
	for _, evt := range events {
		if _, err := r.Dispatch(context.Background(), evt); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if net.Joins(testRoom) != 0 || len(net.Sent()) != 0 {
		t.Errorf("no join expected: joins=%d sent=%d", net.Joins(testRoom), len(net.Sent()))
	}
}

func TestRouterTracksBotMembership(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	r := startTestRouter(t, net, nil)
	join := &MembershipChange{EventMeta: EventMeta{Room: testRoom, From: testBot}, Target: testBot, Membership: event.MembershipJoin}
	if _, err := r.Dispatch(context.Background(), join); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !r.Identity().IsJoined(testRoom) {
		t.Fatal("join event should mark the room as joined")
	}
	leave := &MembershipChange{EventMeta: EventMeta{Room: testRoom, From: "@admin:example.com"}, Target: testBot, Membership: event.MembershipLeave}
	if _, err := r.Dispatch(context.Background(), leave); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if r.Identity().IsJoined(testRoom) {
		t.Error("leave event should forget the room")
	}
}

func TestRouterInviteJoinFailure(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	net.JoinErrs = []error{&TransportError{Op: "join room", Err: errors.New("M_FORBIDDEN")}}
	r := startTestRouter(t, net, nil)
	if _, err := r.Dispatch(context.Background(), invite(testBot, testRoom)); !errors.Is(err, ErrTransport) {
		t.Errorf("join failure should surface as transport error, got %v", err)
	}
	if len(net.Sent()) != 0 {
		t.Error("no confirmation after a failed join")
	}
	if r.State() != StateRunning {
		t.Errorf("per-event failures must not stop the bridge, state=%s", r.State())
	}
}

func TestRouterProcessesTextMessages(t *testing.T) {
	t.Parallel()
	proc := &recordingProcessor{}
	r := startTestRouter(t, newFakeNetwork(), proc)

	plain := textMessage(testRoom, "@alice:example.com", "hello")
	formatted := textMessage(testRoom, "@bob:example.com", "fallback")
	formatted.Content.Format = event.FormatHTML
	formatted.Content.FormattedBody = "<strong>hi</strong>"
	encrypted := &EncryptedMessage{
		EventMeta: EventMeta{Room: testRoom, From: "@carol:example.com"},
		Content:   &event.MessageEventContent{MsgType: event.MsgText, Body: "secret"},
	}
	for _, evt := range []InboundEvent{plain, formatted, encrypted} {
		if _, err := r.Dispatch(context.Background(), evt); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	want := []processedMessage{
		{Room: testRoom, Sender: "@alice:example.com", Text: "hello"},
		{Room: testRoom, Sender: "@bob:example.com", Text: "**hi**"},
		{Room: testRoom, Sender: "@carol:example.com", Text: "secret"},
	}
	if got := proc.Messages(); !slices.Equal(got, want) {
		t.Errorf("processed:\n got %+v\nwant %+v", got, want)
	}
}

func TestRouterIgnoresOwnMessages(t *testing.T) {
	t.Parallel()
	proc := &recordingProcessor{}
	r := startTestRouter(t, newFakeNetwork(), proc)
	own := textMessage(testRoom, testBot, "echo")
	ownEncrypted := &EncryptedMessage{EventMeta: EventMeta{Room: testRoom, From: testBot}, Content: own.Content}
	for _, evt := range []InboundEvent{own, ownEncrypted} {
		if _, err := r.Dispatch(context.Background(), evt); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if n := len(proc.Messages()); n != 0 {
		t.Errorf("bot messages must not reach the processor, got %d calls", n)
	}
}

func TestRouterIgnoresUnsupportedMessageTypes(t *testing.T) {
	t.Parallel()
	proc := &recordingProcessor{}
	r := startTestRouter(t, newFakeNetwork(), proc)
	for _, msgType := range []event.MessageType{event.MsgNotice, event.MsgImage, event.MsgEmote} {
		evt := textMessage(testRoom, "@alice:example.com", "x")
		evt.Content.MsgType = msgType
		if _, err := r.Dispatch(context.Background(), evt); err != nil {
			t.Errorf("%s should be ignored without error, got %v", msgType, err)
		}
	}
	if _, err := r.Dispatch(context.Background(), &PlainMessage{EventMeta: EventMeta{Room: testRoom, From: "@a:x"}}); err != nil {
		t.Errorf("message without content: got %v", err)
	}
	if n := len(proc.Messages()); n != 0 {
		t.Errorf("unsupported messages reached the processor %d times", n)
	}
}

func TestRouterProcessorError(t *testing.T) {
	t.Parallel()
	boom := errors.New("handler broke")
	proc := &recordingProcessor{Err: boom}
	r := startTestRouter(t, newFakeNetwork(), proc)
	if _, err := r.Dispatch(context.Background(), textMessage(testRoom, "@a:x", "hi")); !errors.Is(err, boom) {
		t.Errorf("processor error should be returned, got %v", err)
	}
	if _, err := r.Dispatch(context.Background(), textMessage(testRoom, "@a:x", "again")); !errors.Is(err, boom) {
		t.Errorf("dispatch should keep working after a failure, got %v", err)
	}
}

func TestRouterFailedDecryption(t *testing.T) {
	t.Parallel()
	proc := &recordingProcessor{}
	net := newFakeNetwork()
	r := startTestRouter(t, net, proc)
	evt := &FailedDecryption{EventMeta: EventMeta{Room: testRoom, From: "@a:x"}, Err: ErrDecryption}
	if _, err := r.Dispatch(context.Background(), evt); err != nil {
		t.Errorf("failed decryption is logged, not returned: %v", err)
	}
	if len(proc.Messages()) != 0 || len(net.Sent()) != 0 {
		t.Error("failed decryption must not produce any output")
	}
}

func TestRouterUserQuery(t *testing.T) {
	t.Parallel()
	r := startTestRouter(t, newFakeNetwork(), nil)
	reply, err := r.Dispatch(context.Background(), &UserQuery{UserID: testBot})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply.Profile == nil || reply.Profile.Name != testAppID || reply.Profile.DisplayName != "Gitea Bot" {
		t.Errorf("profile: got %+v", reply.Profile)
	}
	if _, err := r.Dispatch(context.Background(), &UserQuery{UserID: "@gitea_other:example.com"}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("foreign user: got %v, want ErrUserNotFound", err)
	}
}

func TestRouterKeyQueries(t *testing.T) {
	t.Parallel()
	r := startTestRouter(t, newFakeNetwork(), nil)
	for _, evt := range []InboundEvent{&KeyQuery{Body: []byte(`{}`)}, &KeyClaimQuery{Body: []byte(`{}`)}} {
		reply, err := r.Dispatch(context.Background(), evt)
		if err != nil {
			t.Fatalf("Dispatch(%T): %v", evt, err)
		}
		if reply == nil || reply.Profile != nil {
			t.Errorf("key query should get an empty reply, got %+v", reply)
		}
	}
}

// unknownEvent is an InboundEvent variant the router does not know.
type unknownEvent struct {
	EventMeta
}

func TestRouterReportsUnhandledVariants(t *testing.T) {
	t.Parallel()
	r := startTestRouter(t, newFakeNetwork(), nil)
	if _, err := r.Dispatch(context.Background(), &unknownEvent{}); !errors.Is(err, ErrUnhandledEvent) {
		t.Errorf("got %v, want ErrUnhandledEvent", err)
	}
}

func TestRouterRecoversFromHandlerPanic(t *testing.T) {
	t.Parallel()
	proc := ProcessorFunc(func(context.Context, id.RoomID, id.UserID, string) error {
		panic("bad handler")
	})
	r := startTestRouter(t, newFakeNetwork(), proc)
	if _, err := r.Dispatch(context.Background(), textMessage(testRoom, "@a:x", "hi")); err == nil {
		t.Fatal("panic should be reported as an error")
	}
	if _, err := r.Dispatch(context.Background(), &UserQuery{UserID: testBot}); err != nil {
		t.Errorf("router should keep working after a panic: %v", err)
	}
}

func TestRouterSerializesDispatch(t *testing.T) {
	t.Parallel()
	proc := &recordingProcessor{}
	r := startTestRouter(t, newFakeNetwork(), proc)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Dispatch(context.Background(), textMessage(testRoom, "@a:x", fmt.Sprint(i)))
		}()
	}
	wg.Wait()
	if got := len(proc.Messages()); got != 20 {
		t.Errorf("processed %d messages, want 20", got)
	}
	if proc.MaxActive() != 1 {
		t.Errorf("dispatch ran %d handlers at once, want 1", proc.MaxActive())
	}
}

func TestRouterKeepsReceiptOrder(t *testing.T) {
	t.Parallel()
	proc := &recordingProcessor{}
	r := startTestRouter(t, newFakeNetwork(), proc)
	for i := range 10 {
		if _, err := r.Dispatch(context.Background(), textMessage(testRoom, "@a:x", fmt.Sprint(i))); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	for i, msg := range proc.Messages() {
		if msg.Text != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: %q", i, msg.Text)
		}
	}
}

func TestRouterDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	net := newFakeNetwork()
	r := newTestRouter(t, cfg, net, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start of a disabled bridge: %v", err)
	}
	if r.State() != StateDisabled {
		t.Errorf("state: got %s", r.State())
	}
	if len(net.Calls()) != 0 {
		t.Errorf("disabled bridge touched the network: %v", net.Calls())
	}
	if _, err := r.Dispatch(context.Background(), &UserQuery{UserID: testBot}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Dispatch: got %v, want ErrNotRunning", err)
	}
	if _, err := r.SendMessage(context.Background(), testRoom, "x", false); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SendMessage: got %v, want ErrNotRunning", err)
	}
}

func TestRouterStartFailureIsTerminal(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	net.RegisterErr = errors.New("homeserver said no")
	r := newTestRouter(t, testConfig(), net, nil)

	err := r.Start(context.Background())
	var startErr *StartupError
	if !errors.As(err, &startErr) || !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected registration StartupError, got %v", err)
	}
	if r.State() != StateFailed || r.Err() == nil {
		t.Errorf("state: got %s (err %v)", r.State(), r.Err())
	}
	if _, err := r.Dispatch(context.Background(), &UserQuery{UserID: testBot}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Dispatch after failure: got %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Error("a failed bridge must not start again")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("Stop of a failed bridge: %v", err)
	}
}

func TestRouterQueuesEventsWhileStarting(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	net.RegisterGate = make(chan struct{})
	r := newTestRouter(t, testConfig(), net, nil)

	startDone := make(chan error, 1)
	go func() { startDone <- r.Start(context.Background()) }()
	for r.State() != StateStarting {
		time.Sleep(time.Millisecond)
	}

	dispatched := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), invite(testBot, testRoom))
		dispatched <- err
	}()
	select {
	case err := <-dispatched:
		t.Fatalf("event dispatched before the bridge was running: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(net.RegisterGate)
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := <-dispatched; err != nil {
		t.Fatalf("queued Dispatch: %v", err)
	}
	if net.Joins(testRoom) != 1 {
		t.Error("queued invite should be handled once running")
	}
	_ = r.Stop(context.Background())
}

func TestRouterQueuedEventsFailWithStartup(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	net.RegisterGate = make(chan struct{})
	net.RegisterErr = errors.New("nope")
	r := newTestRouter(t, testConfig(), net, nil)

	startDone := make(chan error, 1)
	go func() { startDone <- r.Start(context.Background()) }()
	for !net.Listening() {
		time.Sleep(time.Millisecond)
	}
	dispatched := make(chan error, 1)
	go func() {
		_, err := net.Deliver(context.Background(), invite(testBot, testRoom))
		dispatched <- err
	}()
	for net.InDelivery() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(net.RegisterGate)

	select {
	case err := <-startDone:
		var startupErr *StartupError
		if !errors.As(err, &startupErr) || startupErr.Stage != "register" {
			t.Fatalf("Start: got %v, want register StartupError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Start did not return while an event was being delivered; state=%s", r.State())
	}
	if err := <-dispatched; !errors.Is(err, ErrNotRunning) {
		t.Errorf("queued Dispatch: got %v, want ErrNotRunning", err)
	}
	if net.Joins(testRoom) != 0 {
		t.Error("events must not be handled by a bridge that failed to start")
	}
}

func TestRouterStopWaitsForInflight(t *testing.T) {
	t.Parallel()
	proc := &recordingProcessor{Gate: make(chan struct{}), Started: make(chan struct{}, 1)}
	net := newFakeNetwork()
	r := newTestRouter(t, testConfig(), net, proc)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dispatched := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), textMessage(testRoom, "@a:x", "slow"))
		dispatched <- err
	}()
	<-proc.Started

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop(context.Background()) }()
	for r.State() != StateStopping {
		time.Sleep(time.Millisecond)
	}
	select {
	case <-stopped:
		t.Fatal("Stop returned while a dispatch was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	if net.Listening() {
		t.Error("listener should be closed before in-flight work drains")
	}

	proc.Gate <- struct{}{}
	if err := <-dispatched; err != nil {
		t.Errorf("in-flight dispatch: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.State() != StateStopped {
		t.Errorf("state: got %s", r.State())
	}
	if len(proc.Messages()) != 1 {
		t.Error("in-flight message should complete")
	}
	if _, err := r.Dispatch(context.Background(), textMessage(testRoom, "@a:x", "late")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Dispatch after Stop: got %v", err)
	}
}

func TestRouterSendMessage(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	r := startTestRouter(t, net, nil)

	eventID, err := r.SendMessage(context.Background(), testRoom, "**plain**", false)
	if err != nil || eventID == "" {
		t.Fatalf("SendMessage: %q, %v", eventID, err)
	}
	if _, err := r.SendMessage(context.Background(), testRoom, "**rich**", true); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := net.Sent()
	plain, rich := sent[0].Content, sent[1].Content
	if plain.Body != "**plain**" || plain.Format != "" || plain.FormattedBody != "" {
		t.Errorf("plain message must not carry rich text: %+v", plain)
	}
	if rich.MsgType != event.MsgText || rich.Format != event.FormatHTML || rich.FormattedBody != "<strong>rich</strong>" {
		t.Errorf("rich message: %+v", rich)
	}
}

func TestRouterSendMessageError(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	net.SendErr = errors.New("socket closed")
	r := startTestRouter(t, net, nil)
	_, err := r.SendMessage(context.Background(), testRoom, "hi", false)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, net.SendErr) {
		t.Errorf("send failure should wrap the transport error, got %v", err)
	}
}

func TestRouterSendMessageTimeout(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	cfg := testConfig()
	cfg.SendTimeout = 1
	r := newTestRouter(t, cfg, net, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())
	net.BlockSend = true

	start := time.Now()
	_, err := r.SendMessage(context.Background(), testRoom, "hi", false)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timed out send: got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("send took %s, timeout not applied", elapsed)
	}
}

func TestRouterBroadcast(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	net.Initial = []id.RoomID{"!joined:example.com", "!both:example.com"}
	cfg := testConfig()
	cfg.Rooms = []id.RoomID{"!both:example.com", "!configured:example.com"}
	r := newTestRouter(t, cfg, net, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	sent, err := r.Broadcast(context.Background(), "news", true)
	if err != nil || sent != 3 {
		t.Fatalf("Broadcast: sent=%d err=%v", sent, err)
	}
	var rooms []id.RoomID
	for _, msg := range net.Sent() {
		rooms = append(rooms, msg.Room)
	}
	want := []id.RoomID{"!both:example.com", "!configured:example.com", "!joined:example.com"}
	if !slices.Equal(rooms, want) {
		t.Errorf("broadcast rooms: got %v, want %v", rooms, want)
	}
}

func TestRouterBroadcastNoRooms(t *testing.T) {
	t.Parallel()
	net := newFakeNetwork()
	r := startTestRouter(t, net, nil)
	sent, err := r.Broadcast(context.Background(), "news", false)
	if sent != 0 || err != nil {
		t.Errorf("Broadcast without rooms: sent=%d err=%v", sent, err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	states := map[State]string{
		StateIdle:     "idle",
		StateDisabled: "disabled",
		StateStarting: "starting",
		StateRunning:  "running",
		StateFailed:   "failed",
		StateStopping: "stopping",
		StateStopped:  "stopped",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("%d: got %q, want %q", state, state.String(), want)
		}
	}
	if !strings.HasPrefix(State(99).String(), "State(") {
		t.Errorf("unknown state: %q", State(99).String())
	}
}
