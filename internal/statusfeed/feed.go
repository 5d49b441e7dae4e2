// Package statusfeed serves the pipeline's observable state to local
// observers: a JSON snapshot over plain HTTP and a websocket that pushes a
// fresh snapshot on every change and accepts control commands.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/agent-updater/internal/health"
	"github.com/breeze-rmm/agent-updater/internal/logging"
	"github.com/breeze-rmm/agent-updater/internal/manifest"
	"github.com/breeze-rmm/agent-updater/internal/state"
	"github.com/breeze-rmm/agent-updater/internal/transfer"
	"github.com/breeze-rmm/agent-updater/internal/updater"
)

var log = logging.L("statusfeed")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 16
)

// Command types accepted on the websocket.
const (
	CommandCheck    = "check"
	CommandDownload = "download"
	CommandReset    = "reset"
)

// Controller is the slice of the pipeline the feed drives.
type Controller interface {
	Check(ctx context.Context) updater.CheckResult
	StartDownload(ctx context.Context, m *manifest.Manifest) (transfer.Handle, error)
	ResetState()
	Checks() *state.Holder[updater.CheckResult]
	Downloads() *state.Holder[updater.DownloadState]
}

// Snapshot is the state served by GET /status and pushed over /ws.
type Snapshot struct {
	Check    updater.CheckResult   `json:"check"`
	Download updater.DownloadState `json:"download"`
	Health   map[string]any        `json:"health,omitempty"`
}

// Message is one frame sent to websocket clients.
type Message struct {
	Type string `json:"type"`
	*Snapshot
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Command is one frame received from websocket clients.
type Command struct {
	Type string `json:"type"`
}

// Server is the local state feed.
type Server struct {
	ctl      Controller
	health   *health.Monitor
	srv      *http.Server
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// New builds a feed for ctl listening on addr. mon may be nil.
func New(addr string, ctl Controller, mon *health.Monitor) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctl:    ctl,
		health: mon,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the feed routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	log.Info("state feed listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the HTTP server, closes every websocket and waits for the
// connection goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	s.cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait),
		)
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

// Snapshot reads both holders and the health summary.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{
		Check:    s.ctl.Checks().Get(),
		Download: s.ctl.Downloads().Get(),
	}
	if s.health != nil {
		snap.Health = s.health.Summary()
	}
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		log.Debug("write status response", logging.KeyError, err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", logging.KeyError, err)
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	c := &client{
		s:    s,
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
		gone: make(chan struct{}),
	}
	log.Debug("feed client connected", "remote", r.RemoteAddr)
	go c.writePump()
	c.readPump()
}

func (s *Server) forget(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

type client struct {
	s    *Server
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	gone chan struct{}
}

func (c *client) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("feed read error", logging.KeyError, err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.reply(Message{Type: "error", Error: "malformed command"})
			continue
		}
		c.handle(cmd)
	}
}

func (c *client) handle(cmd Command) {
	ctl := c.s.ctl
	switch cmd.Type {
	case CommandCheck:
		go ctl.Check(c.s.ctx)
	case CommandDownload:
		res := ctl.Checks().Get()
		if res.Status != updater.CheckUpdateAvailable || res.Manifest == nil {
			c.reply(Message{Type: "error", Command: cmd.Type, Error: "no update available"})
			return
		}
		if _, err := ctl.StartDownload(c.s.ctx, res.Manifest); err != nil {
			c.reply(Message{Type: "error", Command: cmd.Type, Error: err.Error()})
			return
		}
	case CommandReset:
		ctl.ResetState()
	default:
		c.reply(Message{Type: "error", Command: cmd.Type, Error: "unknown command"})
		return
	}
	c.reply(Message{Type: "ack", Command: cmd.Type})
}

func (c *client) reply(m Message) {
	select {
	case c.send <- m:
	case <-c.gone:
	}
}

// writePump owns every write on the connection. Snapshots are pushed on
// each holder change; the holders coalesce, so a slow client only ever
// sees the latest state.
func (c *client) writePump() {
	defer c.s.wg.Done()
	defer c.s.forget(c.conn)
	defer close(c.gone)

	checks, stopChecks := c.s.ctl.Checks().Subscribe(1)
	defer stopChecks()
	downloads, stopDownloads := c.s.ctl.Downloads().Subscribe(1)
	defer stopDownloads()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var msg Message
		select {
		case <-c.done:
			return
		case <-c.s.ctx.Done():
			return
		case _, ok := <-checks:
			if !ok {
				return
			}
			msg = c.snapshot()
		case _, ok := <-downloads:
			if !ok {
				return
			}
			msg = c.snapshot()
		case msg = <-c.send:
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Debug("feed write error", logging.KeyError, err)
			return
		}
	}
}

func (c *client) snapshot() Message {
	snap := c.s.Snapshot()
	return Message{Type: "snapshot", Snapshot: &snap}
}
