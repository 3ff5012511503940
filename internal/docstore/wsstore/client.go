// Package wsstore is a DocumentStore client for the docstored relay. Both
// peers of a call point it at the same relay to share rooms across hosts.
package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"roomcall/native/internal/docstore"
	"roomcall/native/internal/domain"
	"roomcall/native/internal/event"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned once the connection to the relay is gone.
var ErrClosed = errors.New("wsstore: connection closed")

const defaultPingInterval = 30 * time.Second

// Client manages the WebSocket connection to the relay.
type Client struct {
	conn         *websocket.Conn
	log          *zap.Logger
	pingInterval time.Duration
	nextID       atomic.Uint64

	// mu guards writes on conn.
	mu sync.Mutex

	pmu     sync.Mutex
	pending map[uint64]chan docstore.Response
	watches map[uint64]*event.Bus[domain.Document]

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay's /ws endpoint and starts the read loop.
func Dial(ctx context.Context, rawURL string, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse docstore url: %w", err)
	}
	log = log.Named("wsstore")
	log.Info("connecting", zap.String("url", u.String()))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Client{
		conn:         conn,
		log:          log,
		pingInterval: defaultPingInterval,
		pending:      make(map[uint64]chan docstore.Response),
		watches:      make(map[uint64]*event.Bus[domain.Document]),
		closed:       make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Close shuts down the WebSocket connection and ends every watch.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

func (c *Client) sendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug(">>>", zap.ByteString("frame", data))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *Client) register(id uint64) chan docstore.Response {
	ch := make(chan docstore.Response, 1)
	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()
	return ch
}

func (c *Client) unregister(id uint64) {
	c.pmu.Lock()
	delete(c.pending, id)
	c.pmu.Unlock()
}

// call sends req and waits for its reply.
func (c *Client) call(ctx context.Context, req docstore.Request) (docstore.Response, error) {
	if req.ID == 0 {
		req.ID = c.nextID.Add(1)
	}
	ch := c.register(req.ID)
	defer c.unregister(req.ID)

	select {
	case <-c.closed:
		return docstore.Response{}, ErrClosed
	default:
	}
	if err := c.sendJSON(req); err != nil {
		return docstore.Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return docstore.Response{}, ErrClosed
		}
		if err := docstore.ErrorOf(resp); err != nil {
			return resp, err
		}
		return resp, nil
	case <-ctx.Done():
		return docstore.Response{}, ctx.Err()
	case <-c.closed:
		return docstore.Response{}, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}

		c.log.Debug("<<<", zap.ByteString("frame", data))

		var resp docstore.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warn("unmarshal error", zap.Error(err))
			continue
		}
		c.dispatch(resp)
	}
}

func (c *Client) dispatch(resp docstore.Response) {
	c.pmu.Lock()
	defer c.pmu.Unlock()

	if resp.Watch != 0 {
		bus, ok := c.watches[resp.Watch]
		if !ok {
			return
		}
		if resp.Doc != nil {
			bus.Publish(*resp.Doc)
		}
		if resp.End {
			bus.Close()
			delete(c.watches, resp.Watch)
		}
		return
	}

	if ch, ok := c.pending[resp.ID]; ok {
		ch <- resp
		delete(c.pending, resp.ID)
		return
	}
	c.log.Debug("reply for unknown request", zap.Uint64("id", resp.ID))
}

// shutdown fails every outstanding call and ends every watch.
func (c *Client) shutdown() {
	c.Close()
	c.pmu.Lock()
	defer c.pmu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, bus := range c.watches {
		bus.Close()
		delete(c.watches, id)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warn("ping error", zap.Error(err))
				}
				return
			}
		}
	}
}
