// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

package direct

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/pelorus/internal/coordinator"
	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/orchestrator"
	"github.com/tomtom215/pelorus/internal/state"
)

func newTestEndpoint(t *testing.T) (*Endpoint, *state.Store, *coordinator.Coordinator) {
	t.Helper()
	store := state.NewStore()
	coord := coordinator.New(store, orchestrator.New(orchestrator.DefaultConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = coord.Serve(ctx) }()

	ready := make(chan struct{})
	e, err := New(coord, BoatInfo{BoatID: "boat-1", PublicKey: "pem", Name: "Tern"}, Config{
		Host:  "127.0.0.1",
		Port:  0,
		Ready: func() { close(ready) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { _ = e.Serve(ctx) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint never became ready")
	}
	return e, store, coord
}

func dialWS(t *testing.T, e *Endpoint) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+e.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg models.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func TestBoatInfoEndpoint(t *testing.T) {
	e, _, _ := newTestEndpoint(t)

	resp, err := http.Get("http://" + e.Addr() + "/boat-info")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var info BoatInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.BoatID != "boat-1" || info.PublicKey != "pem" {
		t.Errorf("boat info = %+v", info)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	e, _, _ := newTestEndpoint(t)

	resp, err := http.Get("http://" + e.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e, _, _ := newTestEndpoint(t)

	resp, err := http.Get("http://" + e.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestClientReceivesSnapshotThenPatches(t *testing.T) {
	e, store, _ := newTestEndpoint(t)

	if _, err := store.ApplyPatch(state.Patch{state.Add("/vessel/name", "Tern")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	conn := dialWS(t, e)

	snapshot := readFrame(t, conn)
	if snapshot.Type != models.TypeFullUpdate {
		t.Fatalf("first frame = %q, want full update", snapshot.Type)
	}
	if snapshot.Version != 1 {
		t.Errorf("snapshot version = %d, want 1", snapshot.Version)
	}

	if _, err := store.ApplyPatch(state.Patch{state.Add("/vessel/draft", 1.8)}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	patch := readFrame(t, conn)
	if patch.Type != models.TypePatch {
		t.Fatalf("second frame = %q, want patch", patch.Type)
	}
	if patch.Version != 2 {
		t.Errorf("patch version = %d, want 2", patch.Version)
	}
}

func TestPingPong(t *testing.T) {
	e, _, _ := newTestEndpoint(t)
	conn := dialWS(t, e)
	readFrame(t, conn) // snapshot

	echo := time.Now().UnixMilli()
	frame := fmt.Sprintf(`{"type":"ping","echo":%d}`, echo)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	pong := readFrame(t, conn)
	if pong.Type != models.TypePong {
		t.Fatalf("reply = %q, want pong", pong.Type)
	}
	if pong.Echo != echo {
		t.Errorf("echo = %d, want %d", pong.Echo, echo)
	}
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	e, _, _ := newTestEndpoint(t)
	conn := dialWS(t, e)
	readFrame(t, conn) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives; a well-formed ping still gets a pong.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := readFrame(t, conn); reply.Type != models.TypePong {
		t.Errorf("reply = %q, want pong", reply.Type)
	}
}

func TestInboundRateLimit(t *testing.T) {
	store := state.NewStore()
	coord := coordinator.New(store, orchestrator.New(orchestrator.DefaultConfig()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = coord.Serve(ctx) }()

	ready := make(chan struct{})
	e, err := New(coord, BoatInfo{BoatID: "boat-1"}, Config{
		Host:          "127.0.0.1",
		Port:          0,
		RatePerSecond: 0.01,
		RateBurst:     1,
		Ready:         func() { close(ready) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { _ = e.Serve(ctx) }()
	<-ready

	conn := dialWS(t, e)
	readFrame(t, conn) // snapshot

	// Burst of one: the first ping answers, the second is dropped.
	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if reply := readFrame(t, conn); reply.Type != models.TypePong {
		t.Fatalf("first reply = %q, want pong", reply.Type)
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("rate-limited frame was answered")
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	e, _, _ := newTestEndpoint(t)

	first := dialWS(t, e)
	second := dialWS(t, e)
	readFrame(t, first)
	readFrame(t, second)

	e.Broadcast(&models.ServerMessage{Type: models.TypeWeatherUpdate, Timestamp: 42})

	for i, conn := range []*websocket.Conn{first, second} {
		frame := readFrame(t, conn)
		if frame.Type != models.TypeWeatherUpdate {
			t.Errorf("client %d frame = %q, want weather update", i, frame.Type)
		}
	}
}

func TestDisconnectUnregistersClient(t *testing.T) {
	e, _, coord := newTestEndpoint(t)

	conn := dialWS(t, e)
	readFrame(t, conn)

	deadline := time.After(2 * time.Second)
	for coord.ClientCount("direct") != 1 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(2 * time.Millisecond):
		}
	}

	_ = conn.Close()
	deadline = time.After(2 * time.Second)
	for coord.ClientCount("direct") != 0 {
		select {
		case <-deadline:
			t.Fatalf("clients = %d after close, want 0", coord.ClientCount("direct"))
		case <-time.After(2 * time.Millisecond):
		}
	}
}
