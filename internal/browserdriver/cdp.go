package browserdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/basket/browserwf/internal/model"
	"github.com/coder/websocket"
)

// cdpClient speaks the Chrome DevTools Protocol over one websocket
// connection to a page's debugger endpoint. CDP is JSON-RPC-shaped: a
// request carries a numeric id, a method and params; the reply carrying
// the same id may arrive interleaved with unsolicited domain events,
// which cdpClient discards unless a caller is waiting on them.
type cdpClient struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan cdpResponse
	readErr error
	closed  chan struct{}
}

type cdpResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type cdpEnvelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func dialCDP(ctx context.Context, wsURL string) (*cdpClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools websocket: %w", err)
	}
	c := &cdpClient{
		conn:    conn,
		pending: make(map[int64]chan cdpResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *cdpClient) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			close(c.closed)
			return
		}
		var env cdpEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.ID == 0 {
			continue // unsolicited domain event; no subscriber model needed for one-shot actions
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- cdpResponse{Result: env.Result, Error: env.Error}
			close(ch)
		}
	}
}

// call sends method(params) and waits for its matching reply or ctx's
// deadline, whichever comes first.
func (c *cdpClient) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return model.NewError(model.ErrScript, "marshal cdp request: %v", err)
	}

	ch := make(chan cdpResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return model.NewError(model.ErrDriverCrashed, "write cdp request: %v", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return model.NewError(model.ErrDriverCrashed, "devtools connection closed")
		}
		if resp.Error != nil {
			return model.NewError(model.ErrScript, "%s: %s", method, resp.Error.Message)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return model.NewError(model.ErrScript, "unmarshal cdp result: %v", err)
			}
		}
		return nil
	case <-ctx.Done():
		return model.NewError(model.ErrTimeout, "%s: %v", method, ctx.Err())
	case <-c.closed:
		return model.NewError(model.ErrDriverCrashed, "devtools connection closed")
	}
}

func (c *cdpClient) close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "page closed")
}
