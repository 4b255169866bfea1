package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tdewey/webdbg/internal/errors"
)

// fakeEndpoint is a websocket server standing in for the browser's
// inspection endpoint. The handler receives each decoded request and the
// connection to answer on.
type fakeEndpoint struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeEndpoint(t *testing.T, handle func(conn *websocket.Conn, req map[string]interface{})) *fakeEndpoint {
	t.Helper()
	f := &fakeEndpoint{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			handle(conn, req)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeEndpoint) closeConns() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
}

func dialClient(t *testing.T, f *fakeEndpoint) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport, err := Dial(ctx, f.wsURL())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	client := NewClient(transport, nil)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCallCorrelation(t *testing.T) {
	// The fake answers out of order: the response to the first request is
	// held until the second arrives.
	var held map[string]interface{}
	f := newFakeEndpoint(t, func(conn *websocket.Conn, req map[string]interface{}) {
		id := req["id"].(float64)
		method := req["method"].(string)
		if method == "Test.slow" {
			held = map[string]interface{}{"id": id, "result": map[string]interface{}{"which": "slow"}}
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{"id": id, "result": map[string]interface{}{"which": "fast"}})
		if held != nil {
			_ = conn.WriteJSON(held)
			held = nil
		}
	})

	client := dialClient(t, f)
	ctx := context.Background()

	type result struct {
		Which string `json:"which"`
	}

	var slowRes result
	done := make(chan error, 1)
	go func() {
		done <- client.Call(ctx, "Test.slow", nil, &slowRes)
	}()

	// Give the slow call time to reach the server before the fast one.
	time.Sleep(50 * time.Millisecond)

	var fastRes result
	if err := client.Call(ctx, "Test.fast", nil, &fastRes); err != nil {
		t.Fatalf("fast call failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("slow call failed: %v", err)
	}

	if fastRes.Which != "fast" || slowRes.Which != "slow" {
		t.Errorf("responses crossed: fast=%q slow=%q", fastRes.Which, slowRes.Which)
	}
}

func TestCallRemoteError(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, req map[string]interface{}) {
		_ = conn.WriteJSON(map[string]interface{}{
			"id":    req["id"],
			"error": map[string]interface{}{"code": -32000, "message": "no such method"},
		})
	})

	client := dialClient(t, f)

	err := client.Call(context.Background(), "Bogus.method", nil, nil)
	if err == nil {
		t.Fatal("call succeeded, want remote error")
	}
	remote, ok := err.(*RemoteError)
	if !ok {
		t.Fatalf("error type %T, want *RemoteError", err)
	}
	if remote.Code != -32000 || remote.Message != "no such method" {
		t.Errorf("remote error = %+v", remote)
	}
}

func TestEventFanOut(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, req map[string]interface{}) {
		// Any request triggers one Debugger event and one Runtime event.
		_ = conn.WriteJSON(map[string]interface{}{
			"method": "Debugger.paused",
			"params": map[string]interface{}{"reason": "other"},
		})
		_ = conn.WriteJSON(map[string]interface{}{
			"method": "Runtime.consoleAPICalled",
			"params": map[string]interface{}{},
		})
		_ = conn.WriteJSON(map[string]interface{}{"id": req["id"], "result": map[string]interface{}{}})
	})

	client := dialClient(t, f)

	subA := client.Subscribe("Debugger")
	subB := client.Subscribe("Debugger")
	subR := client.Subscribe("Runtime")

	if err := client.Call(context.Background(), "Test.trigger", nil, nil); err != nil {
		t.Fatalf("trigger call failed: %v", err)
	}

	// Both Debugger subscribers see the same event independently.
	for i, sub := range []*Subscription{subA, subB} {
		select {
		case ev := <-sub.C:
			if ev.Method != "Debugger.paused" {
				t.Errorf("subscriber %d got %q", i, ev.Method)
			}
			var params struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(ev.Params, &params); err != nil || params.Reason != "other" {
				t.Errorf("subscriber %d params = %s (%v)", i, ev.Params, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}

	// The Runtime subscriber sees only its own domain.
	select {
	case ev := <-subR.C:
		if ev.Method != "Runtime.consoleAPICalled" {
			t.Errorf("Runtime subscriber got %q", ev.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Runtime subscriber timed out")
	}
	select {
	case ev, ok := <-subR.C:
		if ok {
			t.Errorf("Runtime subscriber got extra event %q", ev.Method)
		}
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, req map[string]interface{}) {})
	client := dialClient(t, f)

	sub := client.Subscribe("Debugger")
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Error("closed subscription channel still delivers")
	}
}

func TestTransportCloseFailsPendingCalls(t *testing.T) {
	release := make(chan struct{})
	f := newFakeEndpoint(t, func(conn *websocket.Conn, req map[string]interface{}) {
		// Never answer; the test closes the connection instead.
		<-release
	})

	client := dialClient(t, f)
	sub := client.Subscribe("Debugger")

	done := make(chan error, 1)
	go func() {
		done <- client.Call(context.Background(), "Test.hang", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	f.closeConns()
	close(release)

	select {
	case err := <-done:
		if !errors.HasCode(err, errors.CodeConnectionClosed) {
			t.Errorf("pending call failed with %v, want CONNECTION_CLOSED", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call hung after transport close")
	}

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("subscription delivered after close, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after transport close")
	}

	// Calls after shutdown fail immediately.
	if err := client.Call(context.Background(), "Test.after", nil, nil); !errors.HasCode(err, errors.CodeConnectionClosed) {
		t.Errorf("post-close call failed with %v, want CONNECTION_CLOSED", err)
	}
}

func TestSubscriptionCloseDuringBroadcastDoesNotPanic(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, req map[string]interface{}) {})
	client := dialClient(t, f)

	// Closing a subscription races the read loop's broadcast; the send
	// must never hit a closed channel.
	for i := 0; i < 200; i++ {
		sub := client.Subscribe("Debugger")
		done := make(chan struct{})
		go func() {
			sub.Close()
			close(done)
		}()
		client.route(&Message{Method: "Debugger.paused"})
		<-done
	}
}
