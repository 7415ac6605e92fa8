// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package direct is the LAN WebSocket endpoint. Local clients connect,
// receive a snapshot plus a patch stream, and send commands. The LAN is the
// trust boundary: no authentication happens here.
package direct

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tomtom215/pelorus/internal/coordinator"
	"github.com/tomtom215/pelorus/internal/logging"
	"github.com/tomtom215/pelorus/internal/models"
)

const (
	pingInterval   = 30 * time.Second
	maxMissedPings = 2
	writeTimeout   = 10 * time.Second
)

// Config tunes the endpoint.
type Config struct {
	Host            string
	Port            int
	MaxPayloadBytes int64

	// RatePerSecond and RateBurst bound inbound frames per client.
	RatePerSecond float64
	RateBurst     int

	// Ready is called once the listener is accepting.
	Ready func()
}

// BoatInfo is served on /boat-info so LAN clients can discover the hub
// identity of this vessel.
type BoatInfo struct {
	BoatID    string `json:"boatId"`
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Endpoint accepts LAN WebSocket subscribers.
type Endpoint struct {
	coord    *coordinator.Coordinator
	cfg      Config
	info     BoatInfo
	listener net.Listener
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[string]*client
	unregister func()
}

type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
	missed  int
	closed  bool
}

// New binds the listen socket immediately so a port conflict surfaces as a
// startup failure, not a supervised restart loop.
func New(coord *coordinator.Coordinator, info BoatInfo, cfg Config) (*Endpoint, error) {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	e := &Endpoint{
		coord:    coord,
		cfg:      cfg,
		info:     info,
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Everything on the LAN is trusted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[string]*client{},
	}

	e.unregister, err = coord.RegisterTransport(&coordinator.Transport{
		Name: "direct",
		Send: e.send,
	})
	if err != nil {
		listener.Close()
		return nil, err
	}
	return e, nil
}

// Addr returns the bound listen address.
func (e *Endpoint) Addr() string { return e.listener.Addr().String() }

// Serve implements suture.Service: run the HTTP server until the context is
// canceled, then shut down gracefully.
func (e *Endpoint) Serve(ctx context.Context) error {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/ws", e.handleWS)
	router.Get("/healthz", e.handleHealthz)
	router.Get("/boat-info", e.handleBoatInfo)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(e.listener) }()

	if e.cfg.Ready != nil {
		e.cfg.Ready()
	}
	logging.Info().Str("addr", e.Addr()).Msg("direct endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		e.closeAll()
		e.unregister()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("direct endpoint: %w", err)
	}
}

// String implements fmt.Stringer for supervisor logging.
func (e *Endpoint) String() string { return "direct-endpoint" }

func (e *Endpoint) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": e.coord.ClientCount("direct"),
	})
}

func (e *Endpoint) handleBoatInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(e.info)
}

func (e *Endpoint) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(e.cfg.RatePerSecond), e.cfg.RateBurst),
	}
	conn.SetReadLimit(e.cfg.MaxPayloadBytes)
	conn.SetPongHandler(func(string) error {
		c.writeMu.Lock()
		c.missed = 0
		c.writeMu.Unlock()
		return nil
	})

	e.mu.Lock()
	e.clients[c.id] = c
	e.mu.Unlock()

	if err := e.coord.HandleClientConnection(c.id, "direct", nil); err != nil {
		logging.Error().Err(err).Msg("client registration failed")
		e.drop(c)
		return
	}

	go e.heartbeat(c)
	go e.readPump(c)
}

// send implements the coordinator's transport contract.
func (e *Endpoint) send(clientID string, msg *models.ServerMessage) error {
	e.mu.RLock()
	c, ok := e.clients[clientID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown direct client %s", clientID)
	}
	return c.writeJSON(msg)
}

func (c *client) writeJSON(msg *models.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errors.New("client closed")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeat pings every 30s and terminates the client after two unanswered
// pings.
func (e *Endpoint) heartbeat(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		if c.closed {
			c.writeMu.Unlock()
			return
		}
		if c.missed >= maxMissedPings {
			c.writeMu.Unlock()
			logging.Info().Str("client_id", c.id).Msg("heartbeat lost, terminating client")
			e.disconnect(c)
			return
		}
		c.missed++
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			e.disconnect(c)
			return
		}
	}
}

func (e *Endpoint) readPump(c *client) {
	defer e.disconnect(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("client_id", c.id).Msg("client read error")
			}
			return
		}
		if !c.limiter.Allow() {
			logging.Warn().Str("client_id", c.id).Msg("inbound rate limit exceeded, frame dropped")
			continue
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn().Err(err).Str("client_id", c.id).Msg("bad client frame")
			continue
		}
		msg.ClientID = c.id

		handled := e.coord.HandleClientMessage(&msg,
			func(reply *models.ServerMessage) error { return c.writeJSON(reply) },
			e.broadcastLocal,
		)
		if !handled {
			logging.Debug().Str("type", msg.Type).Str("client_id", c.id).Msg("unhandled client frame")
		}
	}
}

// Broadcast pushes a frame directly to every connected LAN client. The hub
// connector uses it for hub-originated frames that should reach local
// clients too.
func (e *Endpoint) Broadcast(msg *models.ServerMessage) {
	e.broadcastLocal(msg)
}

// broadcastLocal pushes a frame directly to every connected LAN client.
func (e *Endpoint) broadcastLocal(msg *models.ServerMessage) {
	e.mu.RLock()
	clients := make([]*client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.RUnlock()
	for _, c := range clients {
		if err := c.writeJSON(msg); err != nil {
			logging.Debug().Err(err).Str("client_id", c.id).Msg("local broadcast failed")
		}
	}
}

// disconnect tears one client down on both sides.
func (e *Endpoint) disconnect(c *client) {
	e.mu.Lock()
	_, present := e.clients[c.id]
	delete(e.clients, c.id)
	e.mu.Unlock()
	if !present {
		return
	}
	e.drop(c)
	e.coord.HandleClientDisconnection(c.id)
}

func (e *Endpoint) drop(c *client) {
	c.writeMu.Lock()
	if !c.closed {
		c.closed = true
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	c.writeMu.Unlock()
}

func (e *Endpoint) closeAll() {
	e.mu.Lock()
	clients := make([]*client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}
	e.clients = map[string]*client{}
	e.mu.Unlock()
	for _, c := range clients {
		e.drop(c)
		e.coord.HandleClientDisconnection(c.id)
	}
}
