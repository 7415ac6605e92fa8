// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/orchestrator"
	"github.com/tomtom215/pelorus/internal/state"
)

// recordingTransport captures frames per client.
type recordingTransport struct {
	mu     sync.Mutex
	frames map[string][]*models.ServerMessage
	veto   func(clientID string, dt models.DataType) bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{frames: map[string][]*models.ServerMessage{}}
}

func (r *recordingTransport) transport(name string) *Transport {
	return &Transport{
		Name: name,
		Send: func(clientID string, msg *models.ServerMessage) error {
			r.mu.Lock()
			r.frames[clientID] = append(r.frames[clientID], msg)
			r.mu.Unlock()
			return nil
		},
		ShouldSend: r.veto,
	}
}

func (r *recordingTransport) count(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames[clientID])
}

func (r *recordingTransport) frame(clientID string, i int) *models.ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.frames[clientID]) {
		return nil
	}
	return r.frames[clientID][i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *state.Store, *recordingTransport, func()) {
	t.Helper()
	store := state.NewStore()
	orch := orchestrator.New(orchestrator.DefaultConfig())
	c := New(store, orch)

	rec := newRecordingTransport()
	unregister, err := c.RegisterTransport(rec.transport("direct"))
	if err != nil {
		t.Fatalf("RegisterTransport: %v", err)
	}
	unsubscribe := store.Subscribe(c.onUpdate)
	return c, store, rec, func() {
		unsubscribe()
		unregister()
	}
}

func TestConnectionReceivesSnapshotFirst(t *testing.T) {
	c, store, rec, done := newTestCoordinator(t)
	defer done()

	if _, err := store.ApplyPatch(state.Patch{state.Add("/vessel/name", "Tern")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := c.HandleClientConnection("client-1", "direct", nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return rec.count("client-1") >= 1 })

	first := rec.frame("client-1", 0)
	if first.Type != models.TypeFullUpdate {
		t.Fatalf("first frame type = %q, want full update", first.Type)
	}

	if _, err := store.ApplyPatch(state.Patch{state.Add("/vessel/draft", 1.8)}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	waitFor(t, func() bool { return rec.count("client-1") >= 2 })

	second := rec.frame("client-1", 1)
	if second.Type != models.TypePatch {
		t.Fatalf("second frame type = %q, want patch", second.Type)
	}
	if second.Version <= first.Version {
		t.Errorf("patch version %d not after snapshot version %d", second.Version, first.Version)
	}
}

func TestConnectionsDuringWritesSeeSnapshotFirst(t *testing.T) {
	c, store, rec, done := newTestCoordinator(t)
	defer done()

	// Hammer the store while clients connect: no client may see a patch
	// before its snapshot, and no delivered patch may carry a version at
	// or below the snapshot's.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		heading := 0.0
		for {
			select {
			case <-stop:
				return
			default:
			}
			heading++
			if _, err := store.ApplyPatch(state.Patch{state.Add("/navigation/heading", heading)}); err != nil {
				return
			}
		}
	}()

	const clients = 40
	for i := 0; i < clients; i++ {
		if err := c.HandleClientConnection(fmt.Sprintf("c%d", i), "direct", nil); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	for i := 0; i < clients; i++ {
		id := fmt.Sprintf("c%d", i)
		waitFor(t, func() bool { return rec.count(id) >= 1 })
		first := rec.frame(id, 0)
		if first.Type != models.TypeFullUpdate {
			t.Fatalf("%s: first frame = %q, want full update", id, first.Type)
		}
		for j := 1; j < rec.count(id); j++ {
			frame := rec.frame(id, j)
			if frame.Type == models.TypePatch && frame.Version <= first.Version {
				t.Errorf("%s: patch version %d not after snapshot version %d", id, frame.Version, first.Version)
			}
		}
	}
}

func TestDuplicateClientRejected(t *testing.T) {
	c, _, _, done := newTestCoordinator(t)
	defer done()

	if err := c.HandleClientConnection("client-1", "direct", nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.HandleClientConnection("client-1", "direct", nil); err == nil {
		t.Error("duplicate client id accepted")
	}
	if err := c.HandleClientConnection("client-2", "bogus", nil); err == nil {
		t.Error("unknown transport accepted")
	}
}

func TestClientCount(t *testing.T) {
	c, _, _, done := newTestCoordinator(t)
	defer done()

	for _, id := range []string{"a", "b", "c"} {
		if err := c.HandleClientConnection(id, "direct", nil); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
	}
	if got := c.ClientCount("direct"); got != 3 {
		t.Errorf("ClientCount(direct) = %d, want 3", got)
	}
	if got := c.ClientCount(""); got != 3 {
		t.Errorf("ClientCount() = %d, want 3", got)
	}
	c.HandleClientDisconnection("b")
	if got := c.ClientCount("direct"); got != 2 {
		t.Errorf("ClientCount after disconnect = %d, want 2", got)
	}
	// Disconnecting an unknown client is a no-op.
	c.HandleClientDisconnection("zz")
}

func TestSubscriptionFiltering(t *testing.T) {
	c, store, rec, done := newTestCoordinator(t)
	defer done()

	if err := c.HandleClientConnection("nav-only", "direct", []string{"navigation"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return rec.count("nav-only") >= 1 })

	// An environment patch must not reach a navigation-only subscriber.
	if _, err := store.ApplyPatch(state.Patch{state.Add("/environment/outside/temperature", 18.0)}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if _, err := store.ApplyPatch(state.Patch{state.Add("/navigation/heading", 182.0)}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	waitFor(t, func() bool { return rec.count("nav-only") >= 2 })

	second := rec.frame("nav-only", 1)
	ops, ok := second.Data.(state.Patch)
	if !ok {
		t.Fatalf("patch frame data = %T", second.Data)
	}
	for _, op := range ops {
		if models.DataTypeForPath(op.Path) != models.DataNavigation {
			t.Errorf("unsubscribed op leaked: %v", op)
		}
	}
}

func TestShouldSendVeto(t *testing.T) {
	store := state.NewStore()
	orch := orchestrator.New(orchestrator.DefaultConfig())
	c := New(store, orch)

	rec := newRecordingTransport()
	rec.veto = func(string, models.DataType) bool { return false }
	unregister, err := c.RegisterTransport(rec.transport("hub"))
	if err != nil {
		t.Fatalf("RegisterTransport: %v", err)
	}
	defer unregister()
	defer store.Subscribe(c.onUpdate)()

	if err := c.HandleClientConnection("remote-1", "hub", nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return rec.count("remote-1") >= 1 })

	if _, err := store.ApplyPatch(state.Patch{state.Add("/navigation/heading", 90.0)}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.count("remote-1"); got != 1 {
		t.Errorf("vetoed transport received %d frames, want 1 (snapshot only)", got)
	}
}

func TestVesselModeSwitchesProfile(t *testing.T) {
	store := state.NewStore()
	orch := orchestrator.New(orchestrator.DefaultConfig())
	c := New(store, orch)
	defer store.Subscribe(c.onUpdate)()

	if _, err := store.ApplyPatch(state.Patch{state.Add("/vessel/mode", "ANCHORED")}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got := orch.Profile().Name; got != models.ProfileAnchored {
		t.Errorf("profile = %v, want ANCHORED", got)
	}

	// Unknown modes leave the profile untouched.
	if _, err := store.ApplyPatch(state.Patch{state.Replace("/vessel/mode", "WARP")}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got := orch.Profile().Name; got != models.ProfileAnchored {
		t.Errorf("profile changed on unknown mode: %v", got)
	}
}

func TestHandleClientMessagePing(t *testing.T) {
	c, _, _, done := newTestCoordinator(t)
	defer done()

	var reply *models.ServerMessage
	consumed := c.HandleClientMessage(
		&models.ClientMessage{Type: models.TypePing, Timestamp: 12345},
		func(msg *models.ServerMessage) error { reply = msg; return nil },
		nil,
	)
	if !consumed {
		t.Fatal("ping not consumed")
	}
	if reply == nil || reply.Type != models.TypePong {
		t.Fatalf("reply = %+v, want pong", reply)
	}
	if reply.Echo != 12345 {
		t.Errorf("echo = %d, want client timestamp echoed", reply.Echo)
	}
}

func TestHandleClientMessageGetFullState(t *testing.T) {
	c, store, _, done := newTestCoordinator(t)
	defer done()

	if _, err := store.ApplyPatch(state.Patch{state.Add("/vessel/name", "Tern")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var reply *models.ServerMessage
	consumed := c.HandleClientMessage(
		&models.ClientMessage{Type: models.TypeGetFullState, RequestID: "req-9", ClientID: "c1"},
		func(msg *models.ServerMessage) error { reply = msg; return nil },
		nil,
	)
	if !consumed || reply == nil {
		t.Fatal("get-full-state not consumed")
	}
	if reply.Type != models.TypeFullUpdate || reply.RequestID != "req-9" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestHandleClientMessageSubscriptionUpdate(t *testing.T) {
	c, _, rec, done := newTestCoordinator(t)
	defer done()

	if err := c.HandleClientConnection("client-1", "direct", nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return rec.count("client-1") >= 1 })

	payload, _ := json.Marshal([]string{"alerts"})
	consumed := c.HandleClientMessage(
		&models.ClientMessage{Type: models.TypeSubscription, Action: "update", ClientID: "client-1", Data: payload},
		func(*models.ServerMessage) error { return nil },
		nil,
	)
	if !consumed {
		t.Fatal("subscription update not consumed")
	}

	sub := c.subscriber("client-1")
	if sub.subscribedTo(models.DataNavigation) {
		t.Error("still subscribed to navigation after narrowing")
	}
	if !sub.subscribedTo(models.DataAlerts) {
		t.Error("not subscribed to alerts after narrowing")
	}
}

func TestCommandRoutingWithAck(t *testing.T) {
	c, _, _, done := newTestCoordinator(t)
	defer done()

	var handled *models.ClientMessage
	c.RegisterCommand(models.TypeAnchorUpdate, func(msg *models.ClientMessage) models.CommandResult {
		handled = msg
		return models.CommandResult{Success: true}
	})

	var reply *models.ServerMessage
	consumed := c.HandleClientMessage(
		&models.ClientMessage{Type: models.TypeAnchorUpdate, RequestID: "req-1"},
		func(msg *models.ServerMessage) error { reply = msg; return nil },
		nil,
	)
	if !consumed || handled == nil {
		t.Fatal("anchor command not routed")
	}
	if reply == nil || reply.Type != models.TypeAnchorAck {
		t.Fatalf("reply = %+v, want anchor ack", reply)
	}
	if reply.Success == nil || !*reply.Success {
		t.Error("ack should report success")
	}
}

func TestBluetoothCommandNormalization(t *testing.T) {
	c, _, _, done := newTestCoordinator(t)
	defer done()

	var gotAction string
	c.RegisterCommand("bluetooth", func(msg *models.ClientMessage) models.CommandResult {
		gotAction = msg.Action
		return models.CommandResult{Success: true, Detail: "ok"}
	})

	var reply *models.ServerMessage
	consumed := c.HandleClientMessage(
		&models.ClientMessage{Type: "bluetooth:toggle"},
		func(msg *models.ServerMessage) error { reply = msg; return nil },
		nil,
	)
	if !consumed {
		t.Fatal("bluetooth command not consumed")
	}
	if gotAction != "toggle" {
		t.Errorf("handler action = %q, want toggle", gotAction)
	}
	if reply == nil || reply.Type != models.TypeBluetoothResp {
		t.Fatalf("reply = %+v, want bluetooth response", reply)
	}

	// Unknown actions are not consumed.
	if c.HandleClientMessage(&models.ClientMessage{Type: "bluetooth:explode"}, func(*models.ServerMessage) error { return nil }, nil) {
		t.Error("unknown bluetooth action consumed")
	}
}

func TestUnknownKindNotConsumed(t *testing.T) {
	c, _, _, done := newTestCoordinator(t)
	defer done()

	if c.HandleClientMessage(&models.ClientMessage{Type: "make-coffee"}, func(*models.ServerMessage) error { return nil }, nil) {
		t.Error("unknown kind consumed")
	}
	if c.HandleClientMessage(&models.ClientMessage{}, func(*models.ServerMessage) error { return nil }, nil) {
		t.Error("empty frame consumed")
	}
}

func TestBroadcastBypassesOrchestrator(t *testing.T) {
	c, _, rec, done := newTestCoordinator(t)
	defer done()

	if err := c.HandleClientConnection("client-1", "direct", nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.HandleClientConnection("nav-only", "direct", []string{"navigation"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, func() bool { return rec.count("client-1") >= 1 && rec.count("nav-only") >= 1 })

	c.Broadcast(models.DataEnvironment, &models.ServerMessage{Type: models.TypeWeatherUpdate})
	waitFor(t, func() bool { return rec.count("client-1") >= 2 })

	if got := rec.frame("client-1", 1).Type; got != models.TypeWeatherUpdate {
		t.Errorf("broadcast frame type = %q", got)
	}
	time.Sleep(20 * time.Millisecond)
	if rec.count("nav-only") != 1 {
		t.Error("broadcast reached a subscriber without the data type")
	}
}

func TestQueueEvictionSparesSnapshots(t *testing.T) {
	sub := newSubscriber("client-1", "direct", nil)
	// Stop the write loop from draining: no loop is running in this test.

	snapshot := &models.ServerMessage{Type: models.TypeFullUpdate}
	sub.enqueue(snapshot)
	for i := 0; i < DefaultQueueSize+10; i++ {
		sub.enqueue(&models.ServerMessage{Type: models.TypePatch, Version: uint64(i + 1)})
	}

	// 111 messages through a queue of 100 evicts 11.
	if sub.backpressure() != 11 {
		t.Errorf("backpressure = %d, want 11", sub.backpressure())
	}
	out := sub.drain()
	if len(out) != DefaultQueueSize {
		t.Fatalf("queue length = %d, want %d", len(out), DefaultQueueSize)
	}
	if out[0] != snapshot {
		t.Error("snapshot evicted; oldest non-snapshot should go first")
	}
	// FIFO eviction: the oldest patches are gone, the newest survive.
	last := out[len(out)-1]
	if last.Version != uint64(DefaultQueueSize+10) {
		t.Errorf("newest version = %d, want %d", last.Version, DefaultQueueSize+10)
	}
}

func TestEnqueueCloseConcurrency(t *testing.T) {
	// A close racing enqueue must neither panic on the wake channel nor
	// leave the eviction counter unsynchronized.
	for i := 0; i < 200; i++ {
		sub := newSubscriber("client-1", "direct", nil)
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				sub.enqueue(&models.ServerMessage{Type: models.TypePatch, Version: uint64(j)})
			}
		}()
		go func() {
			defer wg.Done()
			_ = sub.backpressure()
		}()
		go func() {
			defer wg.Done()
			sub.close()
		}()
		wg.Wait()
		sub.close()
	}
}

func TestEnqueueAfterCloseIsNoOp(t *testing.T) {
	sub := newSubscriber("client-1", "direct", nil)
	sub.close()
	sub.enqueue(&models.ServerMessage{Type: models.TypePatch})
	if len(sub.drain()) != 0 {
		t.Error("message queued after close")
	}
	// close is idempotent.
	sub.close()
}
