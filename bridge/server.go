package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/groutine"
)

const (
	// DefaultWriteTimeout bounds a single websocket write
	DefaultWriteTimeout = 5 * time.Second

	// Server-side methods in addition to the Adapter ones
	MethodListen = "listen"
	MethodCancel = "cancel"

	EventSample = "sample"
	EventError  = "error"
	EventEnd    = "end"
)

// Request is a client message
type Request struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
}

// Response answers the Request with the same ID
type Response struct {
	ID     uint64       `json:"id"`
	Result any          `json:"result,omitempty"`
	Error  *MethodError `json:"error,omitempty"`
}

// Event is pushed to the client by a listener
type Event struct {
	Event string `json:"event"`
	Kind  string `json:"kind"`
	Data  any    `json:"data,omitempty"`
}

// Server exposes an Adapter over a websocket. One client is served at a time.
type Server struct {
	adapter      *Adapter
	logger       *logrus.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu     sync.Mutex
	active *client
}

func NewServer(adapter *Adapter, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		adapter: adapter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		writeTimeout: DefaultWriteTimeout,
	}
}

// ----------------------------
// Client
// ----------------------------

type client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	listening map[device.StreamKind]bool
}

func (c *client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *client) setListening(kind device.StreamKind, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.listening[kind] = true
	} else {
		delete(c.listening, kind)
	}
}

func (c *client) listened() []device.StreamKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]device.StreamKind, 0, len(c.listening))
	for kind := range c.listening {
		kinds = append(kinds, kind)
	}
	return kinds
}

// wsSink forwards one stream kind to a websocket client
type wsSink struct {
	client *client
	kind   device.StreamKind
	logger *logrus.Entry
}

func (s wsSink) push(ev Event) {
	if err := s.client.send(ev); err != nil {
		s.logger.WithError(err).Debug("Dropping event for unreachable client")
	}
}

func (s wsSink) Success(payload *Payload) {
	s.push(Event{Event: EventSample, Kind: s.kind.String(), Data: payload})
}

func (s wsSink) Error(code, message string) {
	s.push(Event{Event: EventError, Kind: s.kind.String(), Data: &MethodError{Code: code, Message: message}})
}

func (s wsSink) EndOfStream() {
	s.push(Event{Event: EventEnd, Kind: s.kind.String()})
}

// ----------------------------
// HTTP
// ----------------------------

// ServeHTTP upgrades the request and serves it until the client goes away
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		http.Error(w, "another client is attached", http.StatusConflict)
		return
	}
	// Reserve the slot before upgrading
	c := &client{writeTimeout: s.writeTimeout, listening: make(map[device.StreamKind]bool)}
	s.active = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	c.conn = conn

	logger := s.logger.WithField("remote", r.RemoteAddr)
	logger.Info("Client attached")

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		for _, kind := range c.listened() {
			s.adapter.Cancel(kind)
		}
		_ = conn.Close()
		logger.Info("Client detached")
	}()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				_ = c.send(Response{Error: invalidArgument("malformed request: %v", err)})
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("Websocket read ended")
			}
			return
		}

		wg.Add(1)
		groutine.Go(ctx, "ws-request", func(ctx context.Context) {
			defer wg.Done()
			resp := s.handle(ctx, c, req)
			if err := c.send(resp); err != nil {
				logger.WithError(err).Debug("Failed to send response")
			}
		})
	}
}

func (s *Server) handle(ctx context.Context, c *client, req Request) Response {
	resp := Response{ID: req.ID}

	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodListen:
		var kind device.StreamKind
		if kind, err = kindArg(req.Args); err == nil {
			sink := wsSink{client: c, kind: kind, logger: s.logger.WithField("kind", kind)}
			if err = s.adapter.Listen(ctx, kind, sink); err == nil {
				c.setListening(kind, true)
			}
		}
	case MethodCancel:
		var kind device.StreamKind
		if kind, err = kindArg(req.Args); err == nil {
			s.adapter.Cancel(kind)
			c.setListening(kind, false)
		}
	default:
		result, err = s.adapter.Handle(ctx, MethodCall{Method: req.Method, Args: req.Args})
	}

	if err != nil {
		resp.Error = ToMethodError(err)
		return resp
	}
	resp.Result = result
	return resp
}

// ListenAndServe serves the websocket endpoint on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves the websocket endpoint on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := groutine.Go(ctx, "ws-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("Websocket server shutdown incomplete")
		}
	})

	s.logger.WithField("addr", ln.Addr().String()).Info("Websocket server listening")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
