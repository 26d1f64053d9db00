package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/jholhewres/clawgate/pkg/clawgate/protocol"
)

const defaultEventBuffer = 256

// ErrEventOverflow ends a client whose Events channel was not drained fast
// enough.
var ErrEventOverflow = errors.New("event buffer overflow")

// Options configures a Client.
type Options struct {
	// Timeout bounds each Call. Zero uses DefaultTimeout.
	Timeout time.Duration

	// EventBuffer sizes the Events channel. A frame arriving while it is
	// full closes the client with ErrEventOverflow rather than being
	// dropped, so a consumer never sees a stream with holes in it.
	EventBuffer int

	Logger *slog.Logger
}

// Client is a connection to a gateway.
type Client struct {
	ws      *websocket.Conn
	pending *Pending
	events  chan *protocol.Frame
	logger  *slog.Logger

	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the gateway at url, presenting token as a bearer
// credential when it is not empty.
func Dial(ctx context.Context, url, token string, opts Options) (*Client, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("connecting to %s: unauthorized (check the gateway token)", url)
		}
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	ws.SetReadLimit(1 << 20)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:      ws,
		pending: NewPending(opts.Timeout),
		events:  make(chan *protocol.Frame, opts.EventBuffer),
		logger:  logger.With("component", "client"),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends cmd and waits for its response. A response reporting failure
// is returned together with its error.
func (c *Client) Call(ctx context.Context, sessionID string, cmd protocol.Command) (*protocol.Response, error) {
	id := "c" + strconv.FormatUint(c.nextID.Add(1), 10)
	ch, err := c.pending.Register(id)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, sessionID, id, cmd); err != nil {
		c.pending.Reject(id, err)
		<-ch
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%s: %w", cmd.CommandType(), res.Err)
		}
		return res.Response, res.Response.Err()
	case <-ctx.Done():
		c.pending.Reject(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// Send writes cmd without waiting for any response.
func (c *Client) Send(ctx context.Context, sessionID string, cmd protocol.Command) error {
	data, err := protocol.EncodeEnvelope(sessionID, cmd)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Client) write(ctx context.Context, sessionID, id string, cmd protocol.Command) error {
	data, err := protocol.EncodeRequest(sessionID, id, cmd)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending %s: %w", cmd.CommandType(), err)
	}
	return nil
}

// Events delivers session and login-flow events, plus responses that match
// no pending call. It is closed when the connection ends.
func (c *Client) Events() <-chan *protocol.Frame {
	return c.events
}

// Done is closed when the connection ends; Err then reports why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, if it has.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close ends the connection and rejects pending calls.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("discarding undecodable frame", "error", err)
			continue
		}
		if frame.Kind == protocol.KindResponse && frame.Response.ID != "" {
			if !c.pending.Resolve(frame.Response.ID, frame.Response) {
				c.logger.Debug("discarding unmatched response", "id", frame.Response.ID, "command", frame.Response.Command)
			}
			continue
		}
		select {
		case c.events <- frame:
		default:
			c.logger.Warn("event buffer full, closing connection", "session", frame.SessionID, "type", frame.Type)
			c.finish(ErrEventOverflow)
			_ = c.ws.CloseNow()
			return
		}
	}
}

func (c *Client) finish(err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure, errors.Is(err, context.Canceled):
		err = ErrClosed
	case status != -1:
		err = fmt.Errorf("connection closed by gateway: %w", err)
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.pending.Close(err)
}
