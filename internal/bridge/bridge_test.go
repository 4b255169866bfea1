package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tdewey/webdbg/internal/cdp"
	"github.com/tdewey/webdbg/internal/errors"
	"github.com/tdewey/webdbg/pkg/types"
)

// testMapJSON maps app.js back to src/app.ts. Original line 2 (1-based) was
// emitted at three compiled positions across two generated lines.
const testMapJSON = `{
	"version": 3,
	"sources": ["src/app.ts"],
	"names": ["total", "count", "add"],
	"mappings": "AAAA,QAAME;EACJF,QAAQC;AAGV;AAHED"
}`

type fakeConn struct {
	events chan cdp.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan cdp.Event, 16)}
}

func (c *fakeConn) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	return nil
}

func (c *fakeConn) Subscribe(domain string) *cdp.Subscription {
	return &cdp.Subscription{C: c.events}
}

func (c *fakeConn) push(t *testing.T, method string, params interface{}) {
	t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal %s params: %v", method, err)
	}
	c.events <- cdp.Event{Method: method, Params: data}
}

type setCall struct {
	url  string
	line int // 0-based, as sent on the wire
	col  int
}

type fakeDebugger struct {
	mu         sync.Mutex
	nextHandle int
	sets       []setCall
	handles    []string
	removed    []string
	installed  map[setCall]string // live install per url/line/col -> handle
	byHandle   map[string]setCall
	failAll    bool
	failLines  map[int]bool // 0-based wire lines that refuse installs

	resumes int
	steps   []string

	evalFrameIDs []string
	evalResult   remoteObject
	evalExc      *exceptionDetails
	evalErr      error

	props map[string][]propertyDescriptor
}

func newFakeDebugger() *fakeDebugger {
	return &fakeDebugger{
		installed: make(map[setCall]string),
		byHandle:  make(map[string]setCall),
		failLines: make(map[int]bool),
		props:     make(map[string][]propertyDescriptor),
	}
}

func (d *fakeDebugger) Enable(ctx context.Context) error { return nil }

func (d *fakeDebugger) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++
	return nil
}

func (d *fakeDebugger) StepInto(ctx context.Context) error { return d.step("into") }
func (d *fakeDebugger) StepOver(ctx context.Context) error { return d.step("over") }
func (d *fakeDebugger) StepOut(ctx context.Context) error  { return d.step("out") }

func (d *fakeDebugger) step(kind string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, kind)
	return nil
}

func (d *fakeDebugger) SetBreakpointByURL(ctx context.Context, url string, line, col int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll || d.failLines[line] {
		return "", fmt.Errorf("cannot set breakpoint at line %d", line)
	}
	key := setCall{url: url, line: line, col: col}
	// URL-keyed breakpoints are unique per location and survive reloads,
	// exactly like the real engine.
	if _, live := d.installed[key]; live {
		return "", fmt.Errorf("breakpoint at specified location already exists")
	}
	d.nextHandle++
	handle := fmt.Sprintf("h%d", d.nextHandle)
	d.sets = append(d.sets, key)
	d.handles = append(d.handles, handle)
	d.installed[key] = handle
	d.byHandle[handle] = key
	return handle, nil
}

func (d *fakeDebugger) RemoveBreakpoint(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, handle)
	if key, ok := d.byHandle[handle]; ok {
		delete(d.installed, key)
		delete(d.byHandle, handle)
	}
	return nil
}

func (d *fakeDebugger) EvaluateOnFrame(ctx context.Context, callFrameID, expression string) (remoteObject, *exceptionDetails, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evalFrameIDs = append(d.evalFrameIDs, callFrameID)
	return d.evalResult, d.evalExc, d.evalErr
}

func (d *fakeDebugger) GetProperties(ctx context.Context, objectID string) ([]propertyDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props[objectID], nil
}

type fakeProvider struct {
	data []byte
	err  error
}

func (p *fakeProvider) SourceMap(ctx context.Context, compiledURL, sourceMapURL string) ([]byte, error) {
	return p.data, p.err
}

func newTestSession(t *testing.T) (*Session, *fakeConn, *fakeDebugger) {
	t.Helper()
	conn := newFakeConn()
	dbg := newFakeDebugger()
	s, err := NewSession(context.Background(), conn, dbg, &fakeProvider{data: []byte(testMapJSON)}, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() {
		close(conn.events)
		s.wg.Wait()
	})
	return s, conn, dbg
}

// loadScript feeds a scriptParsed event for app.js and waits until the
// bridge has registered its original sources.
func loadScript(t *testing.T, s *Session, conn *fakeConn) {
	t.Helper()
	conn.push(t, "Debugger.scriptParsed", scriptParsedParams{
		ScriptID:     "42",
		URL:          "http://localhost:8080/app.js",
		SourceMapURL: "app.js.map",
	})
	waitFor(t, "script registration", func() bool {
		for _, sc := range s.GetScripts() {
			if sc.URL == "src/app.ts" {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextEvent(t *testing.T, stream *EventStream) types.DebugEvent {
	t.Helper()
	select {
	case ev, ok := <-stream.C:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debug event")
	}
	return types.DebugEvent{}
}

func noEvent(t *testing.T, stream *EventStream) {
	t.Helper()
	select {
	case ev := <-stream.C:
		t.Fatalf("unexpected debug event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// pauseAt feeds a paused event with one mapped frame at compiled position
// (1, 2) (0-based), which is src/app.ts line 2 column 2.
func pauseAt(t *testing.T, conn *fakeConn, hit []string) {
	t.Helper()
	conn.push(t, "Debugger.paused", pausedParams{
		Reason:         "other",
		HitBreakpoints: hit,
		CallFrames: []wireCallFrame{{
			CallFrameID:  "cf1",
			FunctionName: "total$1",
			Location:     wireLocation{ScriptID: "42", LineNumber: 1, ColumnNumber: 2},
		}},
	})
}

func TestScriptParsedRegistersOriginalSources(t *testing.T) {
	s, conn, _ := newTestSession(t)
	loadScript(t, s, conn)

	scripts := s.GetScripts()
	if len(scripts) != 1 {
		t.Fatalf("GetScripts returned %d scripts, want 1", len(scripts))
	}
	sc := scripts[0]
	if sc.URL != "src/app.ts" || sc.CompiledURL != "http://localhost:8080/app.js" || !sc.HasMap {
		t.Errorf("script = %+v", sc)
	}
}

func TestScriptWithoutMapGetsIdentity(t *testing.T) {
	s, conn, _ := newTestSession(t)
	conn.push(t, "Debugger.scriptParsed", scriptParsedParams{
		ScriptID: "7",
		URL:      "http://localhost:8080/plain.js",
	})
	waitFor(t, "script registration", func() bool { return len(s.GetScripts()) == 1 })

	sc := s.GetScripts()[0]
	if sc.URL != "http://localhost:8080/plain.js" || sc.HasMap {
		t.Errorf("script = %+v", sc)
	}

	// Identity mapping: a breakpoint lands at the same coordinates.
	bp, err := s.AddBreakpoint(context.Background(), "http://localhost:8080/plain.js", 12)
	if err != nil {
		t.Fatalf("AddBreakpoint failed: %v", err)
	}
	if !bp.Resolved || len(bp.Locations) != 1 || bp.Locations[0].Line != 12 {
		t.Errorf("breakpoint = %+v", bp)
	}
}

func TestAddBreakpointFanOut(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)

	bp, err := s.AddBreakpoint(context.Background(), "src/app.ts", 2)
	if err != nil {
		t.Fatalf("AddBreakpoint failed: %v", err)
	}
	if !bp.Resolved {
		t.Error("breakpoint on a loaded script not resolved")
	}
	if len(bp.Locations) != 3 {
		t.Fatalf("breakpoint resolved to %d locations, want 3", len(bp.Locations))
	}

	dbg.mu.Lock()
	sets := append([]setCall(nil), dbg.sets...)
	dbg.mu.Unlock()
	if len(sets) != 3 {
		t.Fatalf("%d underlying installs, want 3", len(sets))
	}
	// The wire speaks 0-based lines.
	lines := map[int]int{}
	for _, c := range sets {
		if c.url != "http://localhost:8080/app.js" {
			t.Errorf("install against %q, want the compiled URL", c.url)
		}
		lines[c.line]++
	}
	if lines[1] != 2 || lines[3] != 1 {
		t.Errorf("installed wire lines = %v, want two at 1 and one at 3", lines)
	}
}

func TestRemoveBreakpointRemovesAllHandles(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	ctx := context.Background()

	bp, err := s.AddBreakpoint(ctx, "src/app.ts", 2)
	if err != nil {
		t.Fatalf("AddBreakpoint failed: %v", err)
	}

	if err := s.RemoveBreakpoint(ctx, bp.ID); err != nil {
		t.Fatalf("RemoveBreakpoint failed: %v", err)
	}

	dbg.mu.Lock()
	removed := len(dbg.removed)
	dbg.mu.Unlock()
	if removed != 3 {
		t.Errorf("%d underlying removals, want 3", removed)
	}

	// Idempotent: a second remove (and a bogus id) succeed without
	// touching the debuggee again.
	if err := s.RemoveBreakpoint(ctx, bp.ID); err != nil {
		t.Errorf("second remove failed: %v", err)
	}
	if err := s.RemoveBreakpoint(ctx, "breakpoints/nonexistent"); err != nil {
		t.Errorf("remove of unknown id failed: %v", err)
	}
	dbg.mu.Lock()
	after := len(dbg.removed)
	dbg.mu.Unlock()
	if after != removed {
		t.Errorf("idempotent removes issued %d extra protocol calls", after-removed)
	}
}

func TestAddBreakpointDeferredResolution(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	stream := s.Events()
	ctx := context.Background()

	bp, err := s.AddBreakpoint(ctx, "src/app.ts", 2)
	if err != nil {
		t.Fatalf("AddBreakpoint before load failed: %v", err)
	}
	if bp.Resolved || len(bp.Locations) != 0 {
		t.Errorf("unloaded-script breakpoint = %+v, want unresolved", bp)
	}
	dbg.mu.Lock()
	if len(dbg.sets) != 0 {
		t.Error("installs issued before the script loaded")
	}
	dbg.mu.Unlock()

	loadScript(t, s, conn)

	ev := nextEvent(t, stream)
	if ev.Kind != types.EventBreakpointResolved || ev.Breakpoint != bp.ID {
		t.Errorf("event = %+v, want breakpointResolved for %s", ev, bp.ID)
	}

	waitFor(t, "deferred resolution", func() bool {
		for _, b := range s.Breakpoints() {
			if b.ID == bp.ID && b.Resolved {
				return true
			}
		}
		return false
	})
}

func TestAddBreakpointNoLocation(t *testing.T) {
	s, conn, _ := newTestSession(t)
	loadScript(t, s, conn)

	_, err := s.AddBreakpoint(context.Background(), "src/app.ts", 99)
	if !errors.HasCode(err, errors.CodeBreakpointFailed) {
		t.Errorf("AddBreakpoint on an unmapped line returned %v, want BREAKPOINT_FAILED", err)
	}
	if len(s.Breakpoints()) != 0 {
		t.Error("failed breakpoint left registered")
	}
}

func TestAddBreakpointPartialFailure(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	dbg.mu.Lock()
	dbg.failLines[3] = true // the emission on generated line 4 refuses
	dbg.mu.Unlock()

	bp, err := s.AddBreakpoint(context.Background(), "src/app.ts", 2)
	if err != nil {
		t.Fatalf("AddBreakpoint failed despite partial success: %v", err)
	}
	if !bp.Resolved || len(bp.Locations) != 2 {
		t.Errorf("breakpoint = %+v, want 2 surviving locations", bp)
	}
}

func TestAddBreakpointAllInstallsFail(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	dbg.mu.Lock()
	dbg.failAll = true
	dbg.mu.Unlock()

	_, err := s.AddBreakpoint(context.Background(), "src/app.ts", 2)
	if !errors.HasCode(err, errors.CodeBreakpointFailed) {
		t.Errorf("AddBreakpoint returned %v, want BREAKPOINT_FAILED", err)
	}
}

func TestPauseCollapsesMultipleHits(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	ctx := context.Background()

	bp, err := s.AddBreakpoint(ctx, "src/app.ts", 2)
	if err != nil {
		t.Fatalf("AddBreakpoint failed: %v", err)
	}
	dbg.mu.Lock()
	handles := append([]string(nil), dbg.handles...)
	dbg.mu.Unlock()

	stream := s.Events()

	// Two underlying handles hit at once; the developer sees one pause.
	pauseAt(t, conn, handles[:2])

	ev := nextEvent(t, stream)
	if ev.Kind != types.EventPaused {
		t.Fatalf("event kind = %s, want paused", ev.Kind)
	}
	if ev.Reason != types.PauseBreakpoint || ev.Breakpoint != bp.ID {
		t.Errorf("pause event = %+v, want breakpoint %s", ev, bp.ID)
	}
	if ev.TopFrame == nil || ev.TopFrame.Function != "total" {
		t.Errorf("top frame = %+v, want function 'total'", ev.TopFrame)
	}
	noEvent(t, stream)

	if s.Info().State != types.IsolatePaused {
		t.Errorf("state = %s, want paused", s.Info().State)
	}

	frames, err := s.GetStack()
	if err != nil {
		t.Fatalf("GetStack failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("stack has %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Location.URL != "src/app.ts" || f.Location.Line != 2 || f.Location.Column != 2 {
		t.Errorf("frame location = %+v", f.Location)
	}
}

func TestPauseAfterBreakpointRemoved(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	ctx := context.Background()

	bp, err := s.AddBreakpoint(ctx, "src/app.ts", 2)
	if err != nil {
		t.Fatalf("AddBreakpoint failed: %v", err)
	}
	dbg.mu.Lock()
	handles := append([]string(nil), dbg.handles...)
	dbg.mu.Unlock()

	if err := s.RemoveBreakpoint(ctx, bp.ID); err != nil {
		t.Fatalf("RemoveBreakpoint failed: %v", err)
	}

	stream := s.Events()

	// A pause that raced the removal still arrives; with no matching
	// handle it is not attributed to the removed breakpoint.
	pauseAt(t, conn, handles[:1])

	ev := nextEvent(t, stream)
	if ev.Kind != types.EventPaused {
		t.Fatalf("event kind = %s, want paused", ev.Kind)
	}
	if ev.Reason == types.PauseBreakpoint || ev.Breakpoint != "" {
		t.Errorf("pause attributed to a removed breakpoint: %+v", ev)
	}
}

func TestSecondPauseWhilePausedIsDropped(t *testing.T) {
	s, conn, _ := newTestSession(t)
	loadScript(t, s, conn)
	stream := s.Events()

	pauseAt(t, conn, nil)
	first := nextEvent(t, stream)
	if first.Kind != types.EventPaused {
		t.Fatalf("event kind = %s, want paused", first.Kind)
	}

	pauseAt(t, conn, nil)
	noEvent(t, stream)

	if s.Info().State != types.IsolatePaused {
		t.Errorf("state = %s, want paused", s.Info().State)
	}
}

func TestResumeRequiresPause(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	ctx := context.Background()

	if err := s.Resume(ctx); !errors.HasCode(err, errors.CodeNotPaused) {
		t.Errorf("Resume while running returned %v, want NOT_PAUSED", err)
	}
	if err := s.StepOver(ctx); !errors.HasCode(err, errors.CodeNotPaused) {
		t.Errorf("StepOver while running returned %v, want NOT_PAUSED", err)
	}
	if _, err := s.GetStack(); !errors.HasCode(err, errors.CodeNotPaused) {
		t.Errorf("GetStack while running returned %v, want NOT_PAUSED", err)
	}
	dbg.mu.Lock()
	if dbg.resumes != 0 || len(dbg.steps) != 0 {
		t.Error("protocol calls issued while not paused")
	}
	dbg.mu.Unlock()
}

func TestResumedEvent(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	stream := s.Events()
	ctx := context.Background()

	pauseAt(t, conn, nil)
	nextEvent(t, stream)

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	dbg.mu.Lock()
	if dbg.resumes != 1 {
		t.Errorf("resumes = %d, want 1", dbg.resumes)
	}
	dbg.mu.Unlock()

	conn.push(t, "Debugger.resumed", struct{}{})
	ev := nextEvent(t, stream)
	if ev.Kind != types.EventResumed {
		t.Errorf("event kind = %s, want resumed", ev.Kind)
	}

	if s.Info().State != types.IsolateRunning {
		t.Errorf("state = %s, want running", s.Info().State)
	}
	if _, err := s.GetStack(); !errors.HasCode(err, errors.CodeNotPaused) {
		t.Error("stack still readable after resume")
	}
}

func TestEvaluateUsesFrameTable(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	stream := s.Events()
	ctx := context.Background()

	// The top raw frame is compiler machinery (unknown script), so the
	// visible frame 0 is the second raw frame.
	conn.push(t, "Debugger.paused", pausedParams{
		Reason: "other",
		CallFrames: []wireCallFrame{
			{
				CallFrameID: "cf-machinery",
				Location:    wireLocation{ScriptID: "999", LineNumber: 0},
			},
			{
				CallFrameID:  "cf-user",
				FunctionName: "total$1",
				Location:     wireLocation{ScriptID: "42", LineNumber: 1, ColumnNumber: 2},
			},
		},
	})
	nextEvent(t, stream)

	dbg.mu.Lock()
	dbg.evalResult = remoteObject{Type: "number", Value: json.RawMessage("42"), Description: "42"}
	dbg.mu.Unlock()

	val, err := s.Evaluate(ctx, 0, "count")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if val.Kind != "number" || val.Description != "42" {
		t.Errorf("value = %+v", val)
	}

	dbg.mu.Lock()
	frameIDs := append([]string(nil), dbg.evalFrameIDs...)
	dbg.mu.Unlock()
	if len(frameIDs) != 1 || frameIDs[0] != "cf-user" {
		t.Errorf("evaluated on %v, want the mapped frame cf-user", frameIDs)
	}

	if _, err := s.Evaluate(ctx, 5, "count"); !errors.HasCode(err, errors.CodeInvalidParameter) {
		t.Errorf("out-of-range frame returned %v, want INVALID_PARAMETER", err)
	}
}

func TestEvaluateExceptionBecomesErrorValue(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	stream := s.Events()

	pauseAt(t, conn, nil)
	nextEvent(t, stream)

	dbg.mu.Lock()
	dbg.evalExc = &exceptionDetails{
		Text:      "Uncaught",
		Exception: &remoteObject{Type: "object", ClassName: "Error", Description: "Error: boom", ObjectID: "obj-err"},
	}
	dbg.mu.Unlock()

	val, err := s.Evaluate(context.Background(), 0, "throwing()")
	if err != nil {
		t.Fatalf("Evaluate returned an error for a thrown exception: %v", err)
	}
	if !val.IsError || val.Description != "Error: boom" {
		t.Errorf("value = %+v, want error-shaped", val)
	}
}

func TestEvaluateRequiresPause(t *testing.T) {
	s, conn, _ := newTestSession(t)
	loadScript(t, s, conn)

	_, err := s.Evaluate(context.Background(), 0, "1 + 1")
	if !errors.HasCode(err, errors.CodeNotPaused) {
		t.Errorf("Evaluate while running returned %v, want NOT_PAUSED", err)
	}
}

func TestHotReloadReresolvesBreakpoints(t *testing.T) {
	s, conn, dbg := newTestSession(t)
	loadScript(t, s, conn)
	ctx := context.Background()

	bp, err := s.AddBreakpoint(ctx, "src/app.ts", 2)
	if err != nil {
		t.Fatalf("AddBreakpoint failed: %v", err)
	}

	dbg.mu.Lock()
	before := len(dbg.sets)
	dbg.mu.Unlock()

	dbg.mu.Lock()
	oldHandles := append([]string(nil), dbg.handles...)
	dbg.mu.Unlock()

	// The page reloads: the same compiled URL arrives under a new script
	// id. The old URL-keyed handles are still live in the engine, so the
	// bridge must remove them before reinstalling (the fake, like the real
	// engine, rejects duplicate locations).
	conn.push(t, "Debugger.scriptParsed", scriptParsedParams{
		ScriptID:     "43",
		URL:          "http://localhost:8080/app.js",
		SourceMapURL: "app.js.map",
	})

	waitFor(t, "re-resolution", func() bool {
		dbg.mu.Lock()
		defer dbg.mu.Unlock()
		return len(dbg.sets) == before+3
	})

	for _, b := range s.Breakpoints() {
		if b.ID == bp.ID && !b.Resolved {
			t.Error("breakpoint not resolved after reload")
		}
	}

	dbg.mu.Lock()
	removed := append([]string(nil), dbg.removed...)
	dbg.mu.Unlock()
	if len(removed) != len(oldHandles) {
		t.Fatalf("%d stale handles removed, want %d", len(removed), len(oldHandles))
	}
	wasRemoved := make(map[string]bool, len(removed))
	for _, h := range removed {
		wasRemoved[h] = true
	}
	for _, h := range oldHandles {
		if !wasRemoved[h] {
			t.Errorf("stale handle %s never removed from the debuggee", h)
		}
	}

	// The superseded unit is pruned; only the new script id remains.
	s.mu.Lock()
	_, oldKept := s.units["42"]
	_, newKept := s.units["43"]
	unitCount := len(s.units)
	s.mu.Unlock()
	if oldKept || !newKept || unitCount != 1 {
		t.Errorf("unit table after reload: old=%v new=%v count=%d", oldKept, newKept, unitCount)
	}
}

func TestConnectionCloseKillsIsolate(t *testing.T) {
	conn := newFakeConn()
	dbg := newFakeDebugger()
	s, err := NewSession(context.Background(), conn, dbg, &fakeProvider{data: []byte(testMapJSON)}, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	loadScript(t, s, conn)

	bp, err := s.AddBreakpoint(context.Background(), "src/app.ts", 2)
	if err != nil {
		t.Fatalf("AddBreakpoint failed: %v", err)
	}

	stream := s.Events()
	close(conn.events)

	ev := nextEvent(t, stream)
	if ev.Kind != types.EventIsolateExit {
		t.Errorf("event kind = %s, want isolateExit", ev.Kind)
	}
	if _, ok := <-stream.C; ok {
		t.Error("stream still open after isolate exit")
	}

	if s.Info().State != types.IsolateDead {
		t.Errorf("state = %s, want dead", s.Info().State)
	}

	// Breakpoint identity survives; resolution does not.
	found := false
	for _, b := range s.Breakpoints() {
		if b.ID == bp.ID {
			found = true
			if b.Resolved {
				t.Error("breakpoint still resolved after isolate death")
			}
		}
	}
	if !found {
		t.Error("breakpoint identity lost on isolate death")
	}
	s.wg.Wait()
}

func TestEventStreamsAreIndependent(t *testing.T) {
	s, conn, _ := newTestSession(t)
	loadScript(t, s, conn)

	a := s.Events()
	b := s.Events()

	pauseAt(t, conn, nil)

	eva := nextEvent(t, a)
	evb := nextEvent(t, b)
	if eva.Kind != types.EventPaused || evb.Kind != types.EventPaused {
		t.Errorf("subscribers saw %s / %s, want paused for both", eva.Kind, evb.Kind)
	}

	a.Close()
	if _, ok := <-a.C; ok {
		t.Error("closed stream still delivers")
	}
}

func TestFrameNamePrefersEngineFunctionName(t *testing.T) {
	s, conn, _ := newTestSession(t)
	loadScript(t, s, conn)
	stream := s.Events()

	// The map records the identifier "count" at compiled (1, 10); the
	// engine's function name still names the frame. The anonymous second
	// frame falls back to the map's symbol at its position.
	conn.push(t, "Debugger.paused", pausedParams{
		Reason: "other",
		CallFrames: []wireCallFrame{
			{
				CallFrameID:  "cf-top",
				FunctionName: "add$2",
				Location:     wireLocation{ScriptID: "42", LineNumber: 1, ColumnNumber: 10},
			},
			{
				CallFrameID: "cf-anon",
				Location:    wireLocation{ScriptID: "42", LineNumber: 1, ColumnNumber: 2},
			},
		},
	})

	ev := nextEvent(t, stream)
	if ev.TopFrame == nil || ev.TopFrame.Function != "add" {
		t.Errorf("top frame = %+v, want function 'add'", ev.TopFrame)
	}

	frames, err := s.GetStack()
	if err != nil {
		t.Fatalf("GetStack failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("stack has %d frames, want 2", len(frames))
	}
	if frames[1].Function != "total" {
		t.Errorf("anonymous frame named %q, want the map symbol 'total'", frames[1].Function)
	}
}

func TestStreamCloseDuringEmitDoesNotPanic(t *testing.T) {
	s, _, _ := newTestSession(t)

	// A stream may be closed from another goroutine while the session is
	// mid-broadcast; the send must never hit a closed channel.
	for i := 0; i < 200; i++ {
		st := s.Events()
		done := make(chan struct{})
		go func() {
			st.Close()
			close(done)
		}()
		s.emit(types.DebugEvent{Kind: types.EventResumed})
		<-done
	}
}
