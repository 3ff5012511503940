package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"roomcall/native/internal/docstore"
	"roomcall/native/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// client is one relay connection.
type client struct {
	id    string
	conn  *websocket.Conn
	store domain.DocumentStore
	log   *zap.Logger
	send  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[uint64]context.CancelFunc
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := &client{
		id:      uuid.NewString(),
		conn:    conn,
		store:   s.store,
		send:    make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[uint64]context.CancelFunc),
	}
	cl.log = s.log.With(zap.String("client", cl.id))
	cl.log.Info("client connected", zap.String("remote", c.Request.RemoteAddr))

	go cl.writePump()
	go cl.readPump()
}

// enqueue hands a frame to writePump. It blocks rather than dropping, so a
// slow reader only stalls its own watches.
func (c *client) enqueue(resp docstore.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("failed to marshal response", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *client) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
		c.log.Info("client disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// clients ping us too
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}

		var req docstore.Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.log.Warn("failed to parse request", zap.Error(err))
			c.enqueue(docstore.Response{Code: docstore.CodeInvalid, Error: err.Error()})
			continue
		}
		c.handle(req)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("failed to write message", zap.Error(err))
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func fields(in map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// handle runs one request. Requests on a connection are answered in order.
func (c *client) handle(req docstore.Request) {
	resp := docstore.Response{ID: req.ID}
	reply := func(err error) {
		if err != nil {
			resp.Code = docstore.CodeOf(err)
			resp.Error = err.Error()
		}
		c.enqueue(resp)
	}

	ctx := c.ctx
	switch req.Op {
	case docstore.OpAdd:
		id, err := c.store.Add(ctx, req.Collection, req.Data)
		resp.DocID = id
		reply(err)
	case docstore.OpSet:
		reply(c.store.Set(ctx, req.Collection, req.DocID, req.Data))
	case docstore.OpGet:
		doc, err := c.store.Get(ctx, req.Collection, req.DocID)
		if err == nil {
			resp.Doc = &doc
		}
		reply(err)
	case docstore.OpUpdate:
		reply(c.store.Update(ctx, req.Collection, req.DocID, fields(req.Fields)))
	case docstore.OpUpdateOnce:
		reply(c.store.UpdateOnce(ctx, req.Collection, req.DocID, req.Guard, fields(req.Fields)))
	case docstore.OpDelete:
		reply(c.store.Delete(ctx, req.Collection, req.DocID))
	case docstore.OpList:
		docs, err := c.store.List(ctx, req.Collection)
		resp.Docs = docs
		reply(err)
	case docstore.OpWatchDocument, docstore.OpWatchCollection:
		c.startWatch(req, reply)
	case docstore.OpUnwatch:
		c.mu.Lock()
		if stop, ok := c.watches[req.WatchID]; ok {
			stop()
			delete(c.watches, req.WatchID)
		}
		c.mu.Unlock()
		reply(nil)
	default:
		resp.Code = docstore.CodeInvalid
		resp.Error = "unknown op " + req.Op
		c.enqueue(resp)
	}
}

func (c *client) startWatch(req docstore.Request, reply func(error)) {
	wctx, stop := context.WithCancel(c.ctx)

	var (
		docs <-chan domain.Document
		err  error
	)
	if req.Op == docstore.OpWatchDocument {
		docs, err = c.store.WatchDocument(wctx, req.Collection, req.DocID)
	} else {
		docs, err = c.store.WatchCollection(wctx, req.Collection)
	}
	if err != nil {
		stop()
		reply(err)
		return
	}

	c.mu.Lock()
	c.watches[req.ID] = stop
	c.mu.Unlock()

	// ack before the first event
	reply(nil)

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.watches, req.ID)
			c.mu.Unlock()
			stop()
			c.enqueue(docstore.Response{Watch: req.ID, End: true})
		}()
		for doc := range docs {
			d := doc
			c.enqueue(docstore.Response{Watch: req.ID, Doc: &d})
		}
	}()
}
