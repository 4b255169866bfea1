// Package cdp implements an asynchronous client for the browser's inspection
// protocol: JSON messages over a websocket, requests correlated by id,
// events broadcast per domain.
//
// This package provides:
//   - Transport: low-level message sending/receiving over a websocket
//   - Client: correlated Call plus per-domain event subscriptions
//
// There is no retry and no reconnection: a failed call surfaces to the
// caller, and a closed transport ends the session.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Request is an outgoing protocol command.
type Request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Message is any incoming protocol message: a response (ID set) or an
// event (Method set).
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is a protocol-level error attached to a response.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("inspection protocol error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("inspection protocol error %d: %s", e.Code, e.Message)
}

// Transport handles communication with the browser's debug websocket.
type Transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	seqMu sync.Mutex
	seq   int64
}

// Dial connects a transport to the browser's websocket debug endpoint.
func Dial(ctx context.Context, wsURL string) (*Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial inspection endpoint %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return &Transport{conn: conn, seq: 1}, nil
}

// NextID returns the next request id.
func (t *Transport) NextID() int64 {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	id := t.seq
	t.seq++
	return id
}

// Send writes a request to the websocket. Safe for concurrent use.
func (t *Transport) Send(req *Request) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to write inspection message: %w", err)
	}
	return nil
}

// Receive reads the next message from the websocket. Only one goroutine may
// call Receive.
func (t *Transport) Receive() (*Message, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read inspection message: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode inspection message: %w", err)
	}
	return &msg, nil
}

// Close closes the websocket.
func (t *Transport) Close() error {
	return t.conn.Close()
}
