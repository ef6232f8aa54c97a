// Package remote forwards the project file system contract over a websocket
// connection. Client is the proxy backend; NewHandler serves any backend to it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultMaxRetryInterval caps the delay between dial attempts.
	DefaultMaxRetryInterval = 5 * time.Second
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("remote: client closed")

// errDisconnected fails calls that were in flight when the connection dropped.
var errDisconnected = fmt.Errorf("remote: connection lost: %w", projectfs.ErrStoreUnavailable)

// Client is a Backend whose every call is answered by a remote peer. Calls
// block until a connection is available; a dropped connection is redialed in
// the background.
type Client struct {
	projectfs.Notifier
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	maxInterval  time.Duration

	lifetime context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu    sync.Mutex // guards conn, ready, kind and caps
	conn  *websocket.Conn
	ready chan struct{} // closed while conn is set
	kind  projectfs.BackendKind
	caps  projectfs.Capabilities

	writeMu sync.Mutex
	pending *xsync.Map[uint64, chan response]
	nextID  atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHeader sets the headers sent with the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithMaxRetryInterval caps the exponential backoff between dial attempts.
func WithMaxRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.maxInterval = d }
}

// Dial connects to the handler at url, retrying with exponential backoff until
// ctx is done. The returned Client keeps reconnecting after failures until it
// is closed.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:          url,
		dialer:       websocket.DefaultDialer,
		writeTimeout: DefaultWriteTimeout,
		maxInterval:  DefaultMaxRetryInterval,
		done:         make(chan struct{}),
		ready:        make(chan struct{}),
		pending:      xsync.NewMap[uint64, chan response](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lifetime, c.cancel = context.WithCancel(context.Background())

	conn, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.attach(conn)
	go c.run(conn)

	if err := c.hello(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

var _ projectfs.Backend = (*Client)(nil)

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	logger := util.GetLogger("Remote.connect")

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		cn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err))
			}
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, d time.Duration) {
		logger.Warn().Err(err).Str("url", c.url).Dur("retry_in", d).Msg("Dial failed")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	logger.Debug().Str("url", c.url).Msg("Connected")
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.ready)
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.ready = make(chan struct{})
	c.mu.Unlock()

	c.pending.Range(func(id uint64, _ chan response) bool {
		if ch, ok := c.pending.LoadAndDelete(id); ok {
			ch <- response{ID: id, Error: encodeError(errDisconnected)}
		}
		return true
	})
}

// run owns the read side of every connection for the life of the client.
func (c *Client) run(conn *websocket.Conn) {
	logger := util.GetLogger("Remote.run")
	defer close(c.done)
	for {
		err := c.readLoop(conn)
		_ = conn.Close()
		c.detach()
		if c.lifetime.Err() != nil {
			return
		}
		logger.Warn().Err(err).Str("url", c.url).Msg("Connection lost, redialing")

		conn, err = c.connect(c.lifetime)
		if err != nil {
			return
		}
		c.attach(conn)
		if err := c.hello(c.lifetime); err != nil {
			logger.Error().Err(err).Msg("Handshake failed after reconnect")
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	logger := util.GetLogger("Remote.readLoop")
	stop := context.AfterFunc(c.lifetime, func() { _ = conn.Close() })
	defer stop()
	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			return err
		}
		if resp.ID == 0 {
			if resp.Event != nil {
				c.Emit(*resp.Event)
			}
			continue
		}
		ch, ok := c.pending.LoadAndDelete(resp.ID)
		if !ok {
			logger.Debug().Uint64("id", resp.ID).Msg("Response for unknown call")
			continue
		}
		ch <- resp
	}
}

// waitConn blocks until a connection is available.
func (c *Client) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		conn, ready := c.conn, c.ready
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.lifetime.Done():
			return nil, ErrClosed
		}
	}
}

func (c *Client) call(ctx context.Context, req request) (response, error) {
	if c.lifetime.Err() != nil {
		return response{}, ErrClosed
	}
	conn, err := c.waitConn(ctx)
	if err != nil {
		return response{}, err
	}

	req.ID = c.nextID.Add(1)
	req.UserGesture = projectfs.HasUserGesture(ctx)
	ch := make(chan response, 1)
	c.pending.Store(req.ID, ch)
	defer c.pending.Delete(req.ID)

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return response{}, fmt.Errorf("remote: send %s: %w", req.Op, projectfs.ErrStoreUnavailable)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, resp.Error.decode()
		}
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (c *Client) hello(ctx context.Context) error {
	resp, err := c.call(ctx, request{Op: opHello})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.kind = resp.Kind
	if resp.Caps != nil {
		c.caps = *resp.Caps
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) Kind() projectfs.BackendKind { return projectfs.BackendRemote }

// RemoteKind returns the kind of the backend served by the peer.
func (c *Client) RemoteKind() projectfs.BackendKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// Capabilities mirrors the peer's, minus streaming which does not cross the
// connection.
func (c *Client) Capabilities() projectfs.Capabilities {
	c.mu.Lock()
	caps := c.caps
	c.mu.Unlock()
	caps.Streaming = false
	return caps
}

func (c *Client) GetPermission(ctx context.Context, p projectfs.Path, req projectfs.PermissionRequest) (bool, error) {
	resp, err := c.call(ctx, request{Op: opGetPermission, Path: p, Writable: req.Writable, Prompt: req.Prompt})
	return resp.Bool, err
}

func (c *Client) ReadDir(ctx context.Context, p projectfs.Path) (projectfs.DirListing, error) {
	resp, err := c.call(ctx, request{Op: opReadDir, Path: p})
	if err != nil {
		return projectfs.DirListing{}, err
	}
	if resp.Listing == nil {
		return projectfs.DirListing{}, nil
	}
	return *resp.Listing, nil
}

func (c *Client) CreateDir(ctx context.Context, p projectfs.Path) error {
	_, err := c.call(ctx, request{Op: opCreateDir, Path: p})
	return err
}

func (c *Client) ReadFile(ctx context.Context, p projectfs.Path) (*projectfs.File, error) {
	resp, err := c.call(ctx, request{Op: opReadFile, Path: p})
	if err != nil {
		return nil, err
	}
	if resp.File == nil {
		return nil, fmt.Errorf("remote: empty readFile response: %w", errRemote)
	}
	if resp.File.Content == nil {
		resp.File.Content = []byte{}
	}
	return resp.File, nil
}

func (c *Client) WriteFile(ctx context.Context, p projectfs.Path, data []byte) error {
	_, err := c.call(ctx, request{Op: opWriteFile, Path: p, Data: data})
	return err
}

func (c *Client) WriteFileStream(_ context.Context, p projectfs.Path, _ bool) (io.WriteCloser, error) {
	return nil, projectfs.NewPathError("writeFileStream", p, projectfs.ErrNotImplemented)
}

func (c *Client) Move(ctx context.Context, from, to projectfs.Path) error {
	_, err := c.call(ctx, request{Op: opMove, Path: from, To: to})
	return err
}

func (c *Client) Delete(ctx context.Context, p projectfs.Path, recursive bool) error {
	_, err := c.call(ctx, request{Op: opDelete, Path: p, Recursive: recursive})
	return err
}

func (c *Client) RootName(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, request{Op: opRootName})
	return resp.Name, err
}

func (c *Client) SetRootName(ctx context.Context, name string) error {
	_, err := c.call(ctx, request{Op: opSetRootName, Name: name})
	return err
}

// SuggestCheckExternalChanges forwards the hint without waiting for the result.
func (c *Client) SuggestCheckExternalChanges(ctx context.Context) {
	go func() {
		if _, err := c.call(context.WithoutCancel(ctx), request{Op: opSuggestCheck}); err != nil {
			logger := util.GetLogger("Remote.SuggestCheckExternalChanges")
			logger.Debug().Err(err).Msg("Hint not delivered")
		}
	}()
}

// Close stops reconnecting, closes the connection and unregisters listeners.
func (c *Client) Close() error {
	if c.lifetime.Err() != nil {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	<-c.done
	c.Clear()
	return nil
}
