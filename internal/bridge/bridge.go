package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tdewey/webdbg/internal/cdp"
	"github.com/tdewey/webdbg/internal/errors"
	"github.com/tdewey/webdbg/internal/sourcemaps"
	"github.com/tdewey/webdbg/pkg/types"
)

// eventBuffer is the per-subscriber Debug stream buffer.
const eventBuffer = 32

// compiledUnit is one compiled script as the browser sees it, with the
// source map derived location/symbol table.
type compiledUnit struct {
	id     string // inspection-protocol script id
	url    string // compiled-output URL
	mapper sourcemaps.Mapper
	hasMap bool
}

// Script is a loaded script in its original-source identity. Several
// Scripts can share one compiled unit when the compiler bundled sources.
type Script struct {
	URL  string
	unit *compiledUnit
}

// Breakpoint tracks one developer-facing breakpoint and the set of
// underlying inspection-protocol handles it resolved to. The fan-out is an
// explicit mapping, never a positional correspondence.
type Breakpoint struct {
	ID        string
	ScriptURL string
	Line      int
	Resolved  bool
	Handles   []string
	Locations []types.Location
}

func (b *Breakpoint) info() types.BreakpointInfo {
	return types.BreakpointInfo{
		ID:        b.ID,
		ScriptID:  b.ScriptURL,
		Line:      b.Line,
		Resolved:  b.Resolved,
		Locations: append([]types.Location(nil), b.Locations...),
	}
}

// pauseContext is the transient state of one top-level pause. It is
// recomputed on each pause and invalid after resume.
type pauseContext struct {
	reason   types.PauseReason
	frames   []types.FrameInfo
	frameMap []string // visible frame index -> underlying call frame id
	hitBy    string   // developer-facing breakpoint id, when reason is breakpoint
}

// EventStream is one subscriber's view of the Debug event stream.
type EventStream struct {
	C  <-chan types.DebugEvent
	ch chan types.DebugEvent
	s  *Session

	// mu orders sends against close: a stream may be closed from another
	// goroutine while the session is mid-broadcast.
	mu     sync.Mutex
	closed bool
}

// Close detaches the stream.
func (e *EventStream) Close() {
	e.s.unsubscribe(e)
}

// send delivers ev unless the stream is closed. It reports false when the
// event was dropped because the subscriber's buffer is full.
func (e *EventStream) send(ev types.DebugEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return true
	}
	select {
	case e.ch <- ev:
		return true
	default:
		return false
	}
}

func (e *EventStream) closeChan() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Session is the debug bridge for one debuggee page. It owns the isolate
// state machine, the script table, and the breakpoint registry; frames and
// values are transient, valid only until the next resume.
type Session struct {
	dbg      Debugger
	provider sourcemaps.MapProvider
	log      *slog.Logger

	isolateID string

	mu          sync.Mutex
	state       types.IsolateState
	scripts     map[string]*Script       // original URL -> script
	units       map[string]*compiledUnit // inspection script id -> unit
	breakpoints map[string]*Breakpoint   // developer id -> breakpoint
	handleToBP  map[string]*Breakpoint   // inspection handle -> breakpoint
	paused      *pauseContext
	streams     []*EventStream
	closed      bool

	wg sync.WaitGroup
}

// NewSession enables the debugger domains on the connection and starts the
// event loop. The Debugger implementation chosen here fixes the transport
// for the session's lifetime.
func NewSession(ctx context.Context, conn Conn, dbg Debugger, provider sourcemaps.MapProvider, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		dbg:         dbg,
		provider:    provider,
		log:         log.With("component", "bridge"),
		isolateID:   "isolates/" + uuid.NewString(),
		state:       types.IsolateStarting,
		scripts:     make(map[string]*Script),
		units:       make(map[string]*compiledUnit),
		breakpoints: make(map[string]*Breakpoint),
		handleToBP:  make(map[string]*Breakpoint),
	}

	// Subscribe before enabling so no scriptParsed event is missed.
	sub := conn.Subscribe("Debugger")

	if err := dbg.Enable(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	s.mu.Lock()
	s.state = types.IsolateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(sub)

	return s, nil
}

// Info returns the isolate's current descriptor.
func (s *Session) Info() types.IsolateInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.IsolateInfo{
		ID:    s.isolateID,
		Name:  "main",
		State: s.state,
	}
}

// Events returns a new subscription to the Debug event stream. Streams are
// independent: every subscriber observes every event, in order.
func (s *Session) Events() *EventStream {
	ch := make(chan types.DebugEvent, eventBuffer)
	stream := &EventStream{C: ch, ch: ch, s: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		stream.closed = true
		close(ch)
		return stream
	}
	s.streams = append(s.streams, stream)
	return stream
}

func (s *Session) unsubscribe(stream *EventStream) {
	s.mu.Lock()
	for i, st := range s.streams {
		if st == stream {
			s.streams = append(s.streams[:i], s.streams[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	stream.closeChan()
}

func (s *Session) emit(ev types.DebugEvent) {
	ev.IsolateID = s.isolateID

	s.mu.Lock()
	streams := append([]*EventStream(nil), s.streams...)
	s.mu.Unlock()

	for _, st := range streams {
		if !st.send(ev) {
			s.log.Warn("debug stream subscriber lagging, dropping event", "kind", ev.Kind)
		}
	}
}

// run consumes the inspection event stream until the connection closes.
func (s *Session) run(sub *cdp.Subscription) {
	defer s.wg.Done()
	ctx := context.Background()

	for ev := range sub.C {
		switch ev.Method {
		case "Debugger.scriptParsed":
			var p scriptParsedParams
			if err := unmarshalParams(ev.Params, &p); err != nil {
				s.log.Warn("bad scriptParsed params", "err", err)
				continue
			}
			s.handleScriptParsed(ctx, p)
		case "Debugger.paused":
			var p pausedParams
			if err := unmarshalParams(ev.Params, &p); err != nil {
				s.log.Warn("bad paused params", "err", err)
				continue
			}
			s.handlePaused(ctx, p)
		case "Debugger.resumed":
			s.handleResumed()
		}
	}

	s.markDead()
}

// handleScriptParsed registers a newly loaded compiled script and its
// original sources, and re-resolves any breakpoints waiting on them. A
// reload of an already-known URL replaces the old script identity.
func (s *Session) handleScriptParsed(ctx context.Context, p scriptParsedParams) {
	if p.URL == "" {
		// Anonymous eval scripts are not debuggable at source level.
		return
	}

	unit := &compiledUnit{id: p.ScriptID, url: p.URL}
	if p.SourceMapURL == "" || s.provider == nil {
		unit.mapper = sourcemaps.NewIdentity(p.URL)
	} else {
		data, err := s.provider.SourceMap(ctx, p.URL, p.SourceMapURL)
		if err != nil {
			s.log.Warn("source map fetch failed, using identity mapping", "script", p.URL, "err", err)
			unit.mapper = sourcemaps.NewIdentity(p.URL)
		} else {
			m, err := sourcemaps.New(p.URL, data)
			if err != nil {
				s.log.Warn("source map parse failed, using identity mapping", "script", p.URL, "err", err)
				unit.mapper = sourcemaps.NewIdentity(p.URL)
			} else {
				unit.mapper = m
				unit.hasMap = true
			}
		}
	}

	var toResolve []*Breakpoint
	var staleHandles []string

	s.mu.Lock()
	for id, u := range s.units {
		if u.url == p.URL && id != p.ScriptID {
			delete(s.units, id)
		}
	}
	s.units[p.ScriptID] = unit
	for _, source := range unit.mapper.Sources() {
		if old, ok := s.scripts[source]; ok && old.unit.id != p.ScriptID {
			// Hot reload. URL-keyed engine breakpoints survive the reload,
			// so the old handles stay live and must be removed explicitly;
			// reinstalling over them is rejected as a duplicate.
			for _, bp := range s.breakpoints {
				if bp.ScriptURL == source && len(bp.Handles) > 0 {
					staleHandles = append(staleHandles, bp.Handles...)
					s.dropHandlesLocked(bp)
				}
			}
		}
		s.scripts[source] = &Script{URL: source, unit: unit}
		for _, bp := range s.breakpoints {
			if bp.ScriptURL == source && !bp.Resolved {
				toResolve = append(toResolve, bp)
			}
		}
	}
	s.mu.Unlock()

	s.log.Debug("script parsed", "url", p.URL, "sources", len(unit.mapper.Sources()), "sourceMap", unit.hasMap)

	for _, h := range staleHandles {
		if err := s.dbg.RemoveBreakpoint(ctx, h); err != nil {
			s.log.Warn("failed to remove stale breakpoint handle", "handle", h, "err", err)
		}
	}

	for _, bp := range toResolve {
		if err := s.resolveBreakpoint(ctx, bp, unit); err != nil {
			s.log.Warn("deferred breakpoint resolution failed", "breakpoint", bp.ID, "err", err)
		}
	}
}

// handlePaused translates one inspection-protocol pause into exactly one
// developer-facing pause event. Multiple underlying breakpoint handles
// hitting together collapse into that single event. A second pause while
// already paused is a protocol error: it is logged and dropped, keeping the
// first pause's state (the debuggee cannot run again until resume anyway).
func (s *Session) handlePaused(ctx context.Context, p pausedParams) {
	s.mu.Lock()
	if s.state == types.IsolatePaused {
		s.mu.Unlock()
		s.log.Error("protocol error", "err", errors.ProtocolError("pause event while already paused"))
		return
	}

	reason := types.PauseStep
	hitBy := ""
	if p.Reason == "exception" || p.Reason == "promiseRejection" {
		reason = types.PauseException
	}
	for _, handle := range p.HitBreakpoints {
		if bp, ok := s.handleToBP[handle]; ok {
			reason = types.PauseBreakpoint
			hitBy = bp.ID
			break
		}
	}
	s.mu.Unlock()

	frames, frameMap := s.buildFrames(ctx, p.CallFrames)

	s.mu.Lock()
	s.state = types.IsolatePaused
	s.paused = &pauseContext{reason: reason, frames: frames, frameMap: frameMap, hitBy: hitBy}
	s.mu.Unlock()

	ev := types.DebugEvent{Kind: types.EventPaused, Reason: reason, Breakpoint: hitBy}
	if len(frames) > 0 {
		top := frames[0]
		ev.TopFrame = &top
	}
	s.emit(ev)
}

func (s *Session) handleResumed() {
	s.mu.Lock()
	wasPaused := s.state == types.IsolatePaused
	if wasPaused {
		s.state = types.IsolateRunning
		s.paused = nil
	}
	s.mu.Unlock()

	if wasPaused {
		s.emit(types.DebugEvent{Kind: types.EventResumed})
	}
}

// markDead transitions the isolate to its terminal state. Breakpoint
// resolution is invalidated but developer-facing identities survive, so a
// re-attach can re-resolve them against freshly loaded scripts.
func (s *Session) markDead() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = types.IsolateDead
	s.paused = nil
	for _, bp := range s.breakpoints {
		s.dropHandlesLocked(bp)
	}
	streams := s.streams
	s.streams = nil
	s.mu.Unlock()

	s.emitTo(streams, types.DebugEvent{Kind: types.EventIsolateExit, IsolateID: s.isolateID})
	for _, st := range streams {
		st.closeChan()
	}
}

func (s *Session) emitTo(streams []*EventStream, ev types.DebugEvent) {
	for _, st := range streams {
		st.send(ev)
	}
}

func (s *Session) dropHandlesLocked(bp *Breakpoint) {
	for _, h := range bp.Handles {
		delete(s.handleToBP, h)
	}
	bp.Handles = nil
	bp.Locations = nil
	bp.Resolved = false
}

// Close ends the session's event processing. The underlying connection is
// owned by the caller and closed separately.
func (s *Session) Close() {
	s.markDead()
}

// --- operations ---

// GetScripts lists currently loaded scripts in original-source identity.
func (s *Session) GetScripts() []types.ScriptInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ScriptInfo, 0, len(s.scripts))
	for _, sc := range s.scripts {
		out = append(out, types.ScriptInfo{
			ID:          sc.URL,
			URL:         sc.URL,
			CompiledURL: sc.unit.url,
			HasMap:      sc.unit.hasMap,
		})
	}
	return out
}

// AddBreakpoint sets a breakpoint at an original-source line. The
// breakpoint is returned immediately even when the script has not loaded
// yet; resolution completes on load and is announced on the Debug stream.
// For a loaded script, failing to resolve any compiled location is an
// error; resolving only a subset succeeds with that subset.
func (s *Session) AddBreakpoint(ctx context.Context, scriptURL string, line int) (types.BreakpointInfo, error) {
	bp := &Breakpoint{
		ID:        "breakpoints/" + uuid.NewString(),
		ScriptURL: scriptURL,
		Line:      line,
	}

	s.mu.Lock()
	if s.state == types.IsolateDead {
		s.mu.Unlock()
		return types.BreakpointInfo{}, errors.SessionNotFound()
	}
	s.breakpoints[bp.ID] = bp
	script, loaded := s.scripts[scriptURL]
	s.mu.Unlock()

	if !loaded {
		// Deferred: resolution completes when the script parses.
		return bp.info(), nil
	}

	if err := s.resolveBreakpoint(ctx, bp, script.unit); err != nil {
		s.mu.Lock()
		delete(s.breakpoints, bp.ID)
		s.mu.Unlock()
		return types.BreakpointInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return bp.info(), nil
}

// resolveBreakpoint maps the original line to its compiled locations and
// installs an underlying breakpoint at every one of them. Installation is
// issued concurrently; the breakpoint is resolved once all installs have
// completed, keeping any subset that succeeded.
func (s *Session) resolveBreakpoint(ctx context.Context, bp *Breakpoint, unit *compiledUnit) error {
	locs := unit.mapper.ToCompiled(bp.ScriptURL, bp.Line, 0)
	if len(locs) == 0 {
		return errors.BreakpointFailed(bp.ScriptURL, bp.Line)
	}

	handles := make([]string, len(locs))
	errs := make([]error, len(locs))
	var wg sync.WaitGroup
	for i, loc := range locs {
		wg.Add(1)
		go func(i int, loc types.Location) {
			defer wg.Done()
			// The inspection protocol counts lines from zero.
			handles[i], errs[i] = s.dbg.SetBreakpointByURL(ctx, unit.url, loc.Line-1, loc.Column)
		}(i, loc)
	}
	wg.Wait()

	var kept []string
	var keptLocs []types.Location
	for i := range locs {
		if errs[i] == nil && handles[i] != "" {
			kept = append(kept, handles[i])
			keptLocs = append(keptLocs, locs[i])
		} else if errs[i] != nil {
			s.log.Warn("breakpoint install failed at one location", "url", unit.url, "line", locs[i].Line, "err", errs[i])
		}
	}

	if len(kept) == 0 {
		return errors.BreakpointFailed(bp.ScriptURL, bp.Line)
	}

	s.mu.Lock()
	bp.Handles = kept
	bp.Locations = keptLocs
	bp.Resolved = true
	for _, h := range kept {
		s.handleToBP[h] = bp
	}
	s.mu.Unlock()

	s.emit(types.DebugEvent{Kind: types.EventBreakpointResolved, Breakpoint: bp.ID})
	return nil
}

// RemoveBreakpoint removes every underlying handle associated with the
// breakpoint. Removing an unknown or already-removed breakpoint is a no-op.
func (s *Session) RemoveBreakpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	bp, ok := s.breakpoints[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.breakpoints, id)
	handles := bp.Handles
	s.dropHandlesLocked(bp)
	s.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := s.dbg.RemoveBreakpoint(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Breakpoints lists the developer-facing breakpoints.
func (s *Session) Breakpoints() []types.BreakpointInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.BreakpointInfo, 0, len(s.breakpoints))
	for _, bp := range s.breakpoints {
		out = append(out, bp.info())
	}
	return out
}

// GetStack returns the visible frames of the current pause.
func (s *Session) GetStack() ([]types.FrameInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.IsolatePaused || s.paused == nil {
		return nil, errors.NotPaused()
	}
	return append([]types.FrameInfo(nil), s.paused.frames...), nil
}

// PauseReason returns the reason for the current pause.
func (s *Session) PauseReason() (types.PauseReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.IsolatePaused || s.paused == nil {
		return "", errors.NotPaused()
	}
	return s.paused.reason, nil
}

// Resume forwards to the underlying debugger. Resuming while not paused is
// an explicit error, not a silent no-op.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.requirePaused(); err != nil {
		return err
	}
	return s.dbg.Resume(ctx)
}

// StepInto steps into the next call. Requires a paused isolate.
func (s *Session) StepInto(ctx context.Context) error {
	if err := s.requirePaused(); err != nil {
		return err
	}
	return s.dbg.StepInto(ctx)
}

// StepOver steps over the current statement. Requires a paused isolate.
func (s *Session) StepOver(ctx context.Context) error {
	if err := s.requirePaused(); err != nil {
		return err
	}
	return s.dbg.StepOver(ctx)
}

// StepOut steps out of the current frame. Requires a paused isolate.
func (s *Session) StepOut(ctx context.Context) error {
	if err := s.requirePaused(); err != nil {
		return err
	}
	return s.dbg.StepOut(ctx)
}

func (s *Session) requirePaused() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.IsolatePaused {
		return errors.NotPaused()
	}
	return nil
}

// Evaluate runs an expression in the scope of a visible frame. The visible
// frame index is translated through the pause's explicit frame table; once
// synthetic frames are filtered the two orderings are not positional.
// Exceptions thrown by the debuggee come back as error-shaped values, not
// as call failures.
func (s *Session) Evaluate(ctx context.Context, frameIndex int, expression string) (types.ValueInfo, error) {
	s.mu.Lock()
	if s.state != types.IsolatePaused || s.paused == nil {
		s.mu.Unlock()
		return types.ValueInfo{}, errors.NotPaused()
	}
	if frameIndex < 0 || frameIndex >= len(s.paused.frameMap) {
		s.mu.Unlock()
		return types.ValueInfo{}, errors.InvalidParameter("frameIndex", frameIndex, "a visible frame index from the current stack")
	}
	callFrameID := s.paused.frameMap[frameIndex]
	s.mu.Unlock()

	obj, exc, err := s.dbg.EvaluateOnFrame(ctx, callFrameID, expression)
	if err != nil {
		return types.ValueInfo{}, errors.EvaluationFailed(expression, err)
	}
	if exc != nil {
		return errorValue(exc), nil
	}
	return translateValue(obj), nil
}

// GetProperties expands an object value into its named members. Expansion
// is lazy: the object handle alone is enough, no stack walk happens.
func (s *Session) GetProperties(ctx context.Context, objectID string) ([]types.VariableInfo, error) {
	props, err := s.dbg.GetProperties(ctx, objectID)
	if err != nil {
		return nil, err
	}

	out := make([]types.VariableInfo, 0, len(props))
	for _, p := range props {
		if p.Value == nil {
			continue
		}
		out = append(out, types.VariableInfo{
			Name:  p.Name,
			Value: translateValue(*p.Value),
		})
	}
	return out, nil
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}
