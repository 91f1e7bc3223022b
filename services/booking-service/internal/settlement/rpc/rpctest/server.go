// Package rpctest provides an in-process clearnode that speaks the Nitro RPC
// subset used for deposit settlement.
package rpctest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/settlement/rpc"
)

// Request is a decoded inbound request as seen by the server.
type Request struct {
	ID      uint64
	Method  rpc.Method
	Params  json.RawMessage
	Payload []byte
	Sig     []string
}

// HandlerFunc answers one request. A returned error is sent as an error
// frame.
type HandlerFunc func(c *Conn, req Request) (any, error)

type Handler struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[rpc.Method]HandlerFunc
	requests []Request
	conns    map[*Conn]struct{}
	sessions map[string]*appSession
}

// NewHandler returns a clearnode with the default auth and app-session
// handlers installed.
func NewHandler(logger *slog.Logger) *Handler {
	h := &Handler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: make(map[rpc.Method]HandlerFunc),
		conns:    make(map[*Conn]struct{}),
		sessions: make(map[string]*appSession),
	}
	h.handlers[rpc.MethodAuthRequest] = h.authRequest
	h.handlers[rpc.MethodAuthVerify] = h.authVerify
	h.handlers[rpc.MethodCreateAppSession] = h.createAppSession
	h.handlers[rpc.MethodSubmitAppState] = h.submitAppState
	h.handlers[rpc.MethodCloseAppSession] = h.closeAppSession
	return h
}

// Handle replaces the handler for method.
func (h *Handler) Handle(method rpc.Method, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[method] = fn
	h.mu.Unlock()
}

// Requests returns every request received so far, in arrival order.
func (h *Handler) Requests() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Request(nil), h.requests...)
}

// Push writes a raw frame to every connected client.
func (h *Handler) Push(frame []byte) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.write(frame)
	}
}

// CloseClients drops every open connection.
func (h *Handler) CloseClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.ws.Close()
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("clearnode upgrade failed", "err", err)
		return
	}
	c := newConn(ws)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		req, params, err := rpc.ParseRequest(data)
		if err != nil {
			h.logger.Debug("clearnode dropping malformed request", "err", err)
			continue
		}
		in := Request{ID: req.ID, Method: req.Method, Params: params, Payload: req.Payload(), Sig: req.Signatures()}
		h.mu.Lock()
		h.requests = append(h.requests, in)
		fn := h.handlers[in.Method]
		h.mu.Unlock()

		// Answered concurrently; responses may leave out of request order.
		go h.dispatch(c, in, fn)
	}
}

func (h *Handler) dispatch(c *Conn, req Request, fn HandlerFunc) {
	var (
		result any
		err    error
	)
	if fn == nil {
		err = fmt.Errorf("unsupported method %s", req.Method)
	} else {
		result, err = fn(c, req)
	}

	method := req.Method
	if req.Method == rpc.MethodAuthRequest {
		method = rpc.MethodAuthChallenge
	}
	if err != nil {
		method = rpc.MethodError
		result = rpc.ErrorResult{Error: err.Error()}
	}
	frame, encErr := rpc.EncodeResponse(req.ID, method, result, time.Now().UnixMilli())
	if encErr != nil {
		h.logger.Error("clearnode encode failed", "err", encErr)
		return
	}
	if err := c.write(frame); err != nil {
		h.logger.Debug("clearnode write failed", "err", err)
	}
}

// Conn is one client connection and its authenticated session keys.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	challenges  map[string]pendingAuth
	sessionKeys map[string]string // session key -> wallet, lowercase hex
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:          ws,
		challenges:  make(map[string]pendingAuth),
		sessionKeys: make(map[string]string),
	}
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Server is a Handler behind an httptest server.
type Server struct {
	*Handler
	HTTP *httptest.Server
	// URL is the ws:// address clients dial.
	URL string
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	h := NewHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.CloseClients()
		srv.Close()
	})
	return &Server{Handler: h, HTTP: srv, URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

var errUnauthorized = errors.New("request not signed by an authenticated session key")
