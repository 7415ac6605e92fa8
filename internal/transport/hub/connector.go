// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package hub maintains the single outbound WebSocket to the rendezvous hub.
// It signs an identity assertion on connect, forwards state outward, and
// routes remote client traffic back into the coordinator.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/pelorus/internal/coordinator"
	"github.com/tomtom215/pelorus/internal/identity"
	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/metrics"
	"github.com/tomtom215/pelorus/internal/models"
	"github.com/tomtom215/pelorus/internal/orchestrator"
)

const (
	// maxBufferedFrames bounds the disconnect buffer; oldest frames are
	// evicted first.
	maxBufferedFrames = 100

	// latencyAlpha is the EWMA smoothing factor for ping round-trips.
	latencyAlpha = 0.3

	// lossWindow is how many pings make one packet-loss sample.
	lossWindow = 20

	writeTimeout = 10 * time.Second
)

// errAuthRejected marks a hub-side identity rejection; reconnects back off
// longer than transport errors.
var errAuthRejected = errors.New("hub rejected identity")

// Config tunes the connector.
type Config struct {
	URL                  string
	ReconnectInterval    time.Duration // default 5s
	MaxReconnectAttempts int           // default 10
	ConnectTimeout       time.Duration // default 30s
	PingInterval         time.Duration // default 25s

	// HandshakeGrace is how long to wait for a rejection before treating
	// the identity as accepted. Default 5s.
	HandshakeGrace time.Duration

	// InsecureLegacy sends the identity without a signature.
	InsecureLegacy bool

	// LocalBroadcast fans a hub-originated frame out to LAN clients.
	LocalBroadcast func(*models.ServerMessage)

	// Ready is called once the connector's loop is running (not once
	// connected; the hub may be unreachable at startup).
	Ready func()
}

// Connector is the outbound hub transport.
type Connector struct {
	coord *coordinator.Coordinator
	orch  *orchestrator.Orchestrator
	ident *identity.Identity
	cfg   Config

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	buffer        []*models.ServerMessage
	remoteClients int
	remoteIDs     map[string]bool
	latencyEWMA   float64
	pingsSent     int
	pongsSeen     int

	writeMu sync.Mutex

	unregister func()
	authFailed chan struct{}
	connClosed chan struct{}
}

// New creates the connector and registers it as the "hub" transport.
func New(coord *coordinator.Coordinator, orch *orchestrator.Orchestrator, ident *identity.Identity, cfg Config) (*Connector, error) {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.HandshakeGrace <= 0 {
		cfg.HandshakeGrace = 5 * time.Second
	}

	c := &Connector{
		coord:     coord,
		orch:      orch,
		ident:     ident,
		cfg:       cfg,
		state:     StateDisconnected,
		remoteIDs: map[string]bool{},
	}

	var err error
	c.unregister, err = coord.RegisterTransport(&coordinator.Transport{
		Name:       "hub",
		Send:       c.send,
		ShouldSend: c.shouldSend,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteClients returns the hub-reported remote client count.
func (c *Connector) RemoteClients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteClients
}

// Serve implements suture.Service: connect, run, reconnect. Exhausting the
// reconnect budget returns an error so the supervisor applies its own
// backoff before handing the connector a fresh budget.
func (c *Connector) Serve(ctx context.Context) error {
	defer c.unregister()

	if c.cfg.Ready != nil {
		c.cfg.Ready()
	}

	attempts := 0
	for {
		authenticated, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if authenticated {
			// A session that reached authentication restores the full
			// reconnect budget.
			attempts = 0
		}
		attempts++
		metrics.HubReconnects.Inc()
		delay := c.cfg.ReconnectInterval
		if errors.Is(err, errAuthRejected) {
			// Auth failures back off harder; hammering a rejecting hub
			// helps nobody.
			delay *= 4
		}
		logging.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("hub connection lost")

		if attempts >= c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("hub: reconnect attempts exhausted: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (c *Connector) String() string { return "hub-connector" }

// runOnce performs one full connection lifecycle: dial, handshake, pump
// until the socket dies. The bool reports whether the session reached
// authentication.
func (c *Connector) runOnce(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		c.setState(StateError)
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.authFailed = make(chan struct{})
	c.connClosed = make(chan struct{})
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.teardown(StateError)
		return false, err
	}

	go c.readLoop(conn)

	// Implicit accept: no rejection within the grace window means the hub
	// took our identity.
	select {
	case <-ctx.Done():
		c.teardown(StateClosing)
		return false, ctx.Err()
	case <-c.connClosed:
		c.teardown(StateError)
		return false, errors.New("hub closed during handshake")
	case <-c.authFailed:
		c.teardown(StateError)
		return false, errAuthRejected
	case <-time.After(c.cfg.HandshakeGrace):
	}

	c.flushBuffer()
	logging.Info().Str("url", c.cfg.URL).Msg("hub authenticated")

	pingDone := make(chan struct{})
	go c.pingLoop(pingDone)

	select {
	case <-ctx.Done():
		close(pingDone)
		c.teardown(StateClosing)
		return true, ctx.Err()
	case <-c.connClosed:
		close(pingDone)
		c.teardown(StateError)
		return true, errors.New("hub socket closed")
	case <-c.authFailed:
		close(pingDone)
		c.teardown(StateError)
		return true, errAuthRejected
	}
}

// handshake sends register, identity, and register-key.
func (c *Connector) handshake() error {
	boatID := c.ident.BoatID()
	now := time.Now().UnixMilli()

	if err := c.writeFrame(&models.ServerMessage{
		Type:    models.TypeRegister,
		BoatIDs: []string{boatID},
		Role:    "boat-server",
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	identityFrame := &models.ServerMessage{
		Type:      models.TypeIdentity,
		BoatID:    boatID,
		Role:      "boat-server",
		Timestamp: now,
	}
	if !c.cfg.InsecureLegacy {
		sig, err := c.ident.Sign(now)
		if err != nil {
			return err
		}
		identityFrame.Signature = sig
	}
	if err := c.writeFrame(identityFrame); err != nil {
		return fmt.Errorf("send identity: %w", err)
	}

	if err := c.writeFrame(&models.ServerMessage{
		Type:      models.TypeRegisterKey,
		BoatID:    boatID,
		PublicKey: c.ident.PublicKeyPEM(),
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("send register-key: %w", err)
	}

	c.setState(StateHandshakeSent)
	return nil
}

// send implements the coordinator's transport contract. Frames for remote
// clients carry the clientId so the hub can route them; while disconnected
// they are buffered FIFO up to the cap.
func (c *Connector) send(clientID string, msg *models.ServerMessage) error {
	framed := *msg
	framed.ClientID = clientID

	c.mu.Lock()
	connected := c.state == StateAuthenticated || c.state == StateLive
	if !connected {
		if len(c.buffer) >= maxBufferedFrames {
			c.buffer = c.buffer[1:]
			metrics.MessagesDropped.WithLabelValues("hub").Inc()
		}
		c.buffer = append(c.buffer, &framed)
		metrics.HubBufferedMessages.Set(float64(len(c.buffer)))
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.writeFrame(&framed)
}

// shouldSend suppresses state fan-out when no remote client is connected.
// Anchor updates are allow-listed: they matter even with nobody watching.
func (c *Connector) shouldSend(_ string, dt models.DataType) bool {
	if dt == models.DataAnchor {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteClients > 0
}

// flushBuffer replays buffered frames in FIFO order, then flips the
// connector to Authenticated in the same critical section that observes
// an empty buffer. Frames sent while the flush is running keep buffering,
// so nothing can jump ahead of the replay.
func (c *Connector) flushBuffer() {
	flushed := 0
	for {
		c.mu.Lock()
		buffered := c.buffer
		c.buffer = nil
		if len(buffered) == 0 {
			prev := c.state
			c.state = StateAuthenticated
			c.mu.Unlock()
			if prev != StateAuthenticated {
				logging.Debug().
					Str("from", prev.String()).
					Str("to", StateAuthenticated.String()).
					Msg("hub state transition")
			}
			break
		}
		c.mu.Unlock()

		for i, msg := range buffered {
			if err := c.writeFrame(msg); err != nil {
				logging.Warn().Err(err).Msg("buffered frame flush failed")
				// Keep the unsent tail for the next session.
				c.mu.Lock()
				c.buffer = append(append([]*models.ServerMessage{}, buffered[i:]...), c.buffer...)
				c.mu.Unlock()
				return
			}
			flushed++
		}
	}
	metrics.HubBufferedMessages.Set(0)
	if flushed > 0 {
		logging.Info().Int("frames", flushed).Msg("disconnect buffer flushed")
	}
}

func (c *Connector) writeFrame(msg *models.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode hub frame: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("hub not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop measures round-trip latency with application-level pings and
// feeds the link-quality model.
func (c *Connector) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.pingsSent++
			sent, seen := c.pingsSent, c.pongsSeen
			c.mu.Unlock()

			if sent >= lossWindow {
				loss := float64(sent-seen) / float64(sent) * 100
				c.mu.Lock()
				latency := c.latencyEWMA
				c.pingsSent, c.pongsSeen = 0, 0
				c.mu.Unlock()
				c.orch.ObserveLink(latency, loss)
			}

			err := c.writeFrame(&models.ServerMessage{
				Type:      models.TypePing,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				logging.Debug().Err(err).Msg("hub ping failed")
				return
			}
		}
	}
}

// readLoop pumps inbound hub frames until the socket dies.
func (c *Connector) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		closed := c.connClosed
		c.mu.Unlock()
		select {
		case <-closed:
		default:
			close(closed)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn().Err(err).Msg("bad hub frame")
			continue
		}
		c.route(&msg)
	}
}

// route dispatches one inbound hub frame.
func (c *Connector) route(msg *models.ClientMessage) {
	switch msg.Type {
	case models.TypePong:
		c.onPong(msg.Echo)
		return

	case models.TypeConnectionStatus:
		c.onConnectionStatus(msg)
		return

	case models.TypeClientConnected:
		c.onRemoteConnected(msg.ClientID)
		return

	case models.TypeClientDisconnect:
		c.onRemoteDisconnected(msg.ClientID)
		return

	case "error", "auth-error", "rejected":
		logging.Error().Str("type", msg.Type).Msg("hub rejected connection")
		c.mu.Lock()
		failed := c.authFailed
		c.mu.Unlock()
		select {
		case <-failed:
		default:
			close(failed)
		}
		return
	}

	// Everything else is a command forwarded on behalf of a remote client;
	// the hub has already authenticated its sender.
	handled := c.coord.HandleClientMessage(msg,
		func(reply *models.ServerMessage) error {
			reply.ClientID = msg.ClientID
			reply.RequestID = msg.RequestID
			return c.writeFrame(reply)
		},
		c.localBroadcast,
	)
	if !handled {
		logging.Debug().Str("type", msg.Type).Msg("unhandled hub frame")
	}
}

func (c *Connector) localBroadcast(msg *models.ServerMessage) {
	if c.cfg.LocalBroadcast != nil {
		c.cfg.LocalBroadcast(msg)
	}
}

func (c *Connector) onPong(echo int64) {
	rtt := float64(time.Now().UnixMilli() - echo)
	if rtt < 0 {
		return
	}
	c.mu.Lock()
	c.pongsSeen++
	if c.latencyEWMA == 0 {
		c.latencyEWMA = rtt
	} else {
		c.latencyEWMA = latencyAlpha*rtt + (1-latencyAlpha)*c.latencyEWMA
	}
	latency := c.latencyEWMA
	c.mu.Unlock()

	metrics.HubLatencyMs.Set(latency)
	c.orch.ObserveLink(latency, 0)
}

func (c *Connector) onConnectionStatus(msg *models.ClientMessage) {
	count := 0
	if msg.ClientCount != nil {
		count = *msg.ClientCount
	}
	c.mu.Lock()
	c.remoteClients = count
	if c.state == StateAuthenticated {
		c.state = StateLive
	}
	c.mu.Unlock()

	metrics.HubRemoteClients.Set(float64(count))
	logging.Debug().Int("remote_clients", count).Msg("hub connection status")
}

func (c *Connector) onRemoteConnected(clientID string) {
	if clientID == "" {
		return
	}
	c.mu.Lock()
	c.remoteIDs[clientID] = true
	c.remoteClients = len(c.remoteIDs)
	if c.state == StateAuthenticated {
		c.state = StateLive
	}
	c.mu.Unlock()
	metrics.HubRemoteClients.Set(float64(len(c.remoteIDs)))

	if err := c.coord.HandleClientConnection(clientID, "hub", nil); err != nil {
		logging.Warn().Err(err).Str("client_id", clientID).Msg("remote client registration failed")
	}
}

func (c *Connector) onRemoteDisconnected(clientID string) {
	if clientID == "" {
		return
	}
	c.mu.Lock()
	delete(c.remoteIDs, clientID)
	c.remoteClients = len(c.remoteIDs)
	c.mu.Unlock()
	metrics.HubRemoteClients.Set(float64(len(c.remoteIDs)))

	c.coord.HandleClientDisconnection(clientID)
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		logging.Debug().
			Str("from", prev.String()).
			Str("to", s.String()).
			Msg("hub state transition")
	}
}

// teardown closes the socket and unwinds remote subscribers.
func (c *Connector) teardown(s State) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	remote := make([]string, 0, len(c.remoteIDs))
	for id := range c.remoteIDs {
		remote = append(remote, id)
	}
	c.remoteIDs = map[string]bool{}
	c.remoteClients = 0
	c.state = s
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	for _, id := range remote {
		c.coord.HandleClientDisconnection(id)
	}
	metrics.HubRemoteClients.Set(0)
	c.setState(StateDisconnected)
}
