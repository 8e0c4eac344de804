// Package bridge talks to the external stateful-service process over a
// persistent WebSocket channel. Reads go through a two-tier cache
// (shared TTL tier plus a process-local tier for immutable results) with
// an ordered fallback chain so a bridge outage degrades to stale or
// direct reads instead of hard failures.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/arcfield/toolplane/pkg/fault"
)

// rpcRequest is the frame sent to the bridge peer.
type rpcRequest struct {
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// rpcResponse is the frame the peer sends back, correlated by ID.
type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is an error the peer returned for a call it received and
// processed. Remote errors are authoritative answers: they do not
// trigger cache fallback the way transport failures do.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge remote error %s: %s", e.Code, e.Message)
}

// Client maintains the WebSocket channel and correlates responses to
// in-flight calls by request ID. While disconnected, calls fail fast
// with bridge_unavailable instead of queueing; the fallback tiers in
// Bridge.Fetch take over from there.
type Client struct {
	url          string
	callTimeout  time.Duration
	reconnectMax time.Duration
	logger       zerolog.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	// gorilla allows one concurrent writer per connection
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *rpcResponse

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a client for the given ws:// URL. It does not dial
// until Start is called.
func NewClient(url string, callTimeout, reconnectMax time.Duration, logger zerolog.Logger) *Client {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	if reconnectMax <= 0 {
		reconnectMax = 30 * time.Second
	}
	return &Client{
		url:          url,
		callTimeout:  callTimeout,
		reconnectMax: reconnectMax,
		logger:       logger,
		pending:      make(map[string]chan *rpcResponse),
		done:         make(chan struct{}),
	}
}

// Start launches the connection-maintenance loop. The client redials
// with exponential backoff for as long as it is running.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears down the connection and fails any in-flight calls.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if conn := c.currentConn(); conn != nil {
			conn.Close()
		}
		c.wg.Wait()
	})
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	return c.currentConn() != nil
}

func (c *Client) run() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = c.reconnectMax
	bo.MaxElapsedTime = 0 // redial until stopped

	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Bridge dial failed")
			select {
			case <-c.done:
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		c.setConn(conn)
		c.logger.Info().Str("url", c.url).Msg("Bridge connected")

		c.readLoop(conn)

		c.setConn(nil)
		c.failPending()

		select {
		case <-c.done:
			return
		default:
			c.logger.Warn().Str("url", c.url).Msg("Bridge disconnected, reconnecting")
		}
	}
}

// readLoop dispatches responses to waiting calls until the connection
// breaks.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			conn.Close()
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- &resp
		}
	}
}

// failPending closes the channels of all in-flight calls so they return
// a connection-lost fault instead of waiting out their timeouts.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Call sends one request and waits for the matching response, the call
// timeout, or context cancellation, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, fault.New(fault.CodeBridgeUnavailable, "bridge not connected")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request ID: %w", err)
	}

	ch := make(chan *rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fault.Wrap(fault.CodeBridgeUnavailable, "bridge write failed", err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fault.New(fault.CodeBridgeUnavailable, "bridge connection lost")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fault.Newf(fault.CodeBridgeUnavailable, "bridge call %s timed out after %s", method, c.callTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fault.New(fault.CodeBridgeUnavailable, "bridge client stopped")
	}
}
