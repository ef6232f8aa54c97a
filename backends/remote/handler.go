package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	wsReadBufferSize  = 32 * 1024
	wsWriteBufferSize = 32 * 1024
	// eventBuffer is the per-connection change event backlog. Events beyond it
	// are dropped for that connection.
	eventBuffer = 256
)

// errBackendClosed ends a connection whose backend was closed under it.
var errBackendClosed = errors.New("backend closed")

// Handler serves a Backend to remote Clients. Each websocket connection gets
// its own event subscription.
type Handler struct {
	backend      projectfs.Backend
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCheckOrigin sets the websocket origin check.
func WithCheckOrigin(fn func(*http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// WithHandlerWriteTimeout sets the per-frame write deadline.
func WithHandlerWriteTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.writeTimeout = d }
}

// NewHandler returns an http.Handler exposing backend over websockets.
func NewHandler(backend projectfs.Backend, opts ...HandlerOption) *Handler {
	h := &Handler{
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
		},
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := util.GetLogger("Remote.Handler")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}
	logger.Debug().Str("remote", r.RemoteAddr).Msg("Client connected")

	err = h.serveConn(r.Context(), conn)
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Client disconnected")
	}
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	events, cancelEvents := h.backend.Subscribe(eventBuffer)
	defer cancelEvents()

	eg, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	out := make(chan response)

	// writer: the only goroutine writing frames
	eg.Go(func() error {
		for {
			var resp response
			// pending events go first so they usually precede the reply to
			// the call that caused them
			select {
			case ev, ok := <-events:
				if !ok {
					return errBackendClosed
				}
				resp = response{Event: &ev}
				if err := h.write(conn, resp); err != nil {
					return err
				}
				continue
			default:
			}
			select {
			case <-ctx.Done():
				return nil
			case resp = <-out:
			case ev, ok := <-events:
				if !ok {
					return errBackendClosed
				}
				resp = response{Event: &ev}
			}
			if err := h.write(conn, resp); err != nil {
				return err
			}
		}
	})

	// reader: one goroutine per request so slow calls do not block others
	eg.Go(func() error {
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			eg.Go(func() error {
				resp := h.dispatch(ctx, req)
				select {
				case out <- resp:
				case <-ctx.Done():
				}
				return nil
			})
		}
	})

	return eg.Wait()
}

func (h *Handler) write(conn *websocket.Conn, resp response) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := conn.WriteJSON(resp); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (h *Handler) dispatch(ctx context.Context, req request) response {
	if req.UserGesture {
		ctx = projectfs.WithUserGesture(ctx)
	}
	resp := response{ID: req.ID}
	var err error
	b := h.backend

	switch req.Op {
	case opHello:
		caps := b.Capabilities()
		resp.Kind, resp.Caps = b.Kind(), &caps
	case opGetPermission:
		resp.Bool, err = b.GetPermission(ctx, req.Path, projectfs.PermissionRequest{Writable: req.Writable, Prompt: req.Prompt})
	case opReadDir:
		var listing projectfs.DirListing
		listing, err = b.ReadDir(ctx, req.Path)
		resp.Listing = &listing
	case opCreateDir:
		err = b.CreateDir(ctx, req.Path)
	case opReadFile:
		resp.File, err = b.ReadFile(ctx, req.Path)
	case opWriteFile:
		data := req.Data
		if data == nil {
			data = []byte{}
		}
		err = b.WriteFile(ctx, req.Path, data)
	case opMove:
		err = b.Move(ctx, req.Path, req.To)
	case opDelete:
		err = b.Delete(ctx, req.Path, req.Recursive)
	case opRootName:
		resp.Name, err = b.RootName(ctx)
	case opSetRootName:
		err = b.SetRootName(ctx, req.Name)
	case opSuggestCheck:
		b.SuggestCheckExternalChanges(ctx)
	default:
		err = fmt.Errorf("unknown op %q: %w", req.Op, projectfs.ErrNotImplemented)
	}

	if err != nil {
		if !errors.Is(err, projectfs.ErrNotFound) {
			logger := util.GetLogger("Remote.dispatch")
			logger.Debug().Err(err).Str("op", req.Op).Msg("Call failed")
		}
		resp = response{ID: req.ID, Error: encodeError(err)}
	}
	return resp
}
