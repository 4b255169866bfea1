// Package dapsrv serves the debug bridge to editor tooling over the Debug
// Adapter Protocol. The server accepts one editor connection at a time,
// matching the bridge's single-session model, and translates DAP requests
// into bridge operations and bridge Debug events into DAP events.
package dapsrv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/go-dap"

	"github.com/tdewey/webdbg/internal/bridge"
	"github.com/tdewey/webdbg/pkg/types"
)

// Server is the DAP front-end.
type Server struct {
	service *bridge.Service
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a DAP server around the debug service.
func New(service *bridge.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{service: service, log: log.With("component", "dap")}
}

// ListenAndServe accepts editor connections on addr and serves them one at
// a time. It returns nil after Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("DAP server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		s.log.Info("editor connected", "remote", conn.RemoteAddr().String())
		h := newConnHandler(s, conn)
		h.serve()
		s.log.Info("editor disconnected", "remote", conn.RemoteAddr().String())
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// varRef is what a DAP variablesReference points at: either a frame's
// visible variables or a remote object to expand lazily.
type varRef struct {
	frameIndex int
	objectID   string
}

// debugSession is the slice of the bridge session the DAP handlers drive.
type debugSession interface {
	AddBreakpoint(ctx context.Context, scriptURL string, line int) (types.BreakpointInfo, error)
	RemoveBreakpoint(ctx context.Context, id string) error
	GetStack() ([]types.FrameInfo, error)
	GetProperties(ctx context.Context, objectID string) ([]types.VariableInfo, error)
	Evaluate(ctx context.Context, frameIndex int, expression string) (types.ValueInfo, error)
	Resume(ctx context.Context) error
	StepInto(ctx context.Context) error
	StepOver(ctx context.Context) error
	StepOut(ctx context.Context) error
	Events() *bridge.EventStream
}

type connHandler struct {
	srv      *Server
	service  *bridge.Service
	sessions func() (debugSession, error)
	conn     net.Conn
	reader   *bufio.Reader
	log      *slog.Logger

	writeMu sync.Mutex
	seq     int

	mu      sync.Mutex
	refs    map[int]varRef
	nextRef int
	bpNums  map[string]int // bridge breakpoint id -> DAP breakpoint id
	bpByNum map[int]string
	nextBP  int
	perSrc  map[string][]string // source path -> bridge breakpoint ids
	pumping bool
}

func newConnHandler(s *Server, conn net.Conn) *connHandler {
	return &connHandler{
		srv:     s,
		service: s.service,
		sessions: func() (debugSession, error) {
			session, err := s.service.Session()
			if err != nil {
				return nil, err
			}
			return session, nil
		},
		conn:    conn,
		reader:  bufio.NewReader(conn),
		log:     s.log,
		refs:    make(map[int]varRef),
		nextRef: 1000,
		bpNums:  make(map[string]int),
		bpByNum: make(map[int]string),
		nextBP:  1,
		perSrc:  make(map[string][]string),
	}
}

func (h *connHandler) serve() {
	defer h.conn.Close()

	for {
		msg, err := dap.ReadProtocolMessage(h.reader)
		if err != nil {
			if err != io.EOF {
				h.log.Debug("editor connection read failed", "err", err)
			}
			return
		}
		if !h.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one request; returning false ends the connection.
func (h *connHandler) dispatch(msg dap.Message) bool {
	ctx := context.Background()

	switch req := msg.(type) {
	case *dap.InitializeRequest:
		h.onInitialize(req)
	case *dap.LaunchRequest:
		h.onLaunch(ctx, req)
	case *dap.AttachRequest:
		h.onAttach(ctx, req)
	case *dap.SetBreakpointsRequest:
		h.onSetBreakpoints(ctx, req)
	case *dap.ConfigurationDoneRequest:
		h.respond(&req.Request, &dap.ConfigurationDoneResponse{})
	case *dap.ThreadsRequest:
		h.onThreads(req)
	case *dap.StackTraceRequest:
		h.onStackTrace(req)
	case *dap.ScopesRequest:
		h.onScopes(req)
	case *dap.VariablesRequest:
		h.onVariables(ctx, req)
	case *dap.EvaluateRequest:
		h.onEvaluate(ctx, req)
	case *dap.ContinueRequest:
		h.onContinue(ctx, req)
	case *dap.NextRequest:
		h.onNext(ctx, req)
	case *dap.StepInRequest:
		h.onStepIn(ctx, req)
	case *dap.StepOutRequest:
		h.onStepOut(ctx, req)
	case *dap.DisconnectRequest:
		h.onDisconnect(req)
		return false
	default:
		h.log.Debug("unsupported DAP request", "type", fmt.Sprintf("%T", msg))
		if r, ok := msg.(dap.RequestMessage); ok {
			h.fail(r.GetRequest(), fmt.Errorf("unsupported request %q", r.GetRequest().Command))
		}
	}
	return true
}

func (h *connHandler) nextSeq() int {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.seq++
	return h.seq
}

func (h *connHandler) send(msg dap.Message) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := dap.WriteProtocolMessage(h.conn, msg); err != nil {
		h.log.Debug("failed to write DAP message", "err", err)
	}
}

// respond fills the response envelope and sends it.
func (h *connHandler) respond(req *dap.Request, resp dap.ResponseMessage) {
	r := resp.GetResponse()
	r.ProtocolMessage = dap.ProtocolMessage{Seq: h.nextSeq(), Type: "response"}
	r.Command = req.Command
	r.RequestSeq = req.Seq
	r.Success = true
	h.send(resp)
}

func (h *connHandler) fail(req *dap.Request, err error) {
	resp := &dap.ErrorResponse{}
	resp.ProtocolMessage = dap.ProtocolMessage{Seq: h.nextSeq(), Type: "response"}
	resp.Command = req.Command
	resp.RequestSeq = req.Seq
	resp.Success = false
	resp.Message = err.Error()
	h.send(resp)
}

func (h *connHandler) event(name string, ev dap.EventMessage) {
	e := ev.GetEvent()
	e.ProtocolMessage = dap.ProtocolMessage{Seq: h.nextSeq(), Type: "event"}
	e.Event = name
	h.send(ev)
}

// --- request handlers ---

func (h *connHandler) onInitialize(req *dap.InitializeRequest) {
	h.respond(&req.Request, &dap.InitializeResponse{
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsEvaluateForHovers:        true,
		},
	})
	h.event("initialized", &dap.InitializedEvent{})
}

type launchArgs struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

func (h *connHandler) onLaunch(ctx context.Context, req *dap.LaunchRequest) {
	var args launchArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		h.fail(&req.Request, fmt.Errorf("invalid launch arguments: %w", err))
		return
	}
	if args.URL == "" {
		h.fail(&req.Request, fmt.Errorf("launch requires a url argument"))
		return
	}

	if _, err := h.service.Launch(ctx, []string{args.URL}, args.Port); err != nil {
		h.fail(&req.Request, err)
		return
	}

	h.respond(&req.Request, &dap.LaunchResponse{})
	h.startEventPump()
}

func (h *connHandler) onAttach(ctx context.Context, req *dap.AttachRequest) {
	var args launchArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		h.fail(&req.Request, fmt.Errorf("invalid attach arguments: %w", err))
		return
	}
	if args.Port == 0 {
		h.fail(&req.Request, fmt.Errorf("attach requires a port argument"))
		return
	}

	if _, err := h.service.Attach(ctx, args.Port); err != nil {
		h.fail(&req.Request, err)
		return
	}

	h.respond(&req.Request, &dap.AttachResponse{})
	h.startEventPump()
}

// onSetBreakpoints applies the editor's full breakpoint list for one
// source: DAP semantics replace all previous breakpoints in that source.
func (h *connHandler) onSetBreakpoints(ctx context.Context, req *dap.SetBreakpointsRequest) {
	session, err := h.sessions()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}

	source := req.Arguments.Source.Path

	h.mu.Lock()
	old := h.perSrc[source]
	delete(h.perSrc, source)
	h.mu.Unlock()

	for _, id := range old {
		if err := session.RemoveBreakpoint(ctx, id); err != nil {
			h.log.Warn("failed to remove superseded breakpoint", "id", id, "err", err)
		}
		h.mu.Lock()
		if num, ok := h.bpNums[id]; ok {
			delete(h.bpNums, id)
			delete(h.bpByNum, num)
		}
		h.mu.Unlock()
	}

	results := make([]dap.Breakpoint, 0, len(req.Arguments.Breakpoints))
	var installed []string
	for _, want := range req.Arguments.Breakpoints {
		bp, err := session.AddBreakpoint(ctx, source, want.Line)
		if err != nil {
			results = append(results, dap.Breakpoint{
				Verified: false,
				Line:     want.Line,
				Message:  err.Error(),
				Source:   &dap.Source{Path: source},
			})
			continue
		}
		installed = append(installed, bp.ID)

		h.mu.Lock()
		num := h.nextBP
		h.nextBP++
		h.bpNums[bp.ID] = num
		h.bpByNum[num] = bp.ID
		h.mu.Unlock()

		results = append(results, dap.Breakpoint{
			Id:       num,
			Verified: bp.Resolved,
			Line:     bp.Line,
			Source:   &dap.Source{Path: source},
		})
	}

	h.mu.Lock()
	h.perSrc[source] = installed
	h.mu.Unlock()

	h.respond(&req.Request, &dap.SetBreakpointsResponse{
		Body: dap.SetBreakpointsResponseBody{Breakpoints: results},
	})
}

func (h *connHandler) onThreads(req *dap.ThreadsRequest) {
	// One isolate, one thread.
	h.respond(&req.Request, &dap.ThreadsResponse{
		Body: dap.ThreadsResponseBody{
			Threads: []dap.Thread{{Id: 1, Name: "main"}},
		},
	})
}

func (h *connHandler) onStackTrace(req *dap.StackTraceRequest) {
	session, err := h.sessions()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}

	frames, err := session.GetStack()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}

	out := make([]dap.StackFrame, 0, len(frames))
	for _, f := range frames {
		out = append(out, dap.StackFrame{
			Id:   f.Index,
			Name: f.Function,
			Line: f.Location.Line,
			// DAP columns are 1-based.
			Column: f.Location.Column + 1,
			Source: &dap.Source{Path: f.Location.URL},
		})
	}

	h.respond(&req.Request, &dap.StackTraceResponse{
		Body: dap.StackTraceResponseBody{StackFrames: out, TotalFrames: len(out)},
	})
}

func (h *connHandler) onScopes(req *dap.ScopesRequest) {
	ref := h.allocRef(varRef{frameIndex: req.Arguments.FrameId})
	h.respond(&req.Request, &dap.ScopesResponse{
		Body: dap.ScopesResponseBody{
			Scopes: []dap.Scope{{
				Name:               "Locals",
				VariablesReference: ref,
			}},
		},
	})
}

func (h *connHandler) onVariables(ctx context.Context, req *dap.VariablesRequest) {
	session, err := h.sessions()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}

	h.mu.Lock()
	ref, ok := h.refs[req.Arguments.VariablesReference]
	h.mu.Unlock()
	if !ok {
		h.fail(&req.Request, fmt.Errorf("unknown variables reference %d", req.Arguments.VariablesReference))
		return
	}

	var vars []types.VariableInfo
	if ref.objectID != "" {
		vars, err = session.GetProperties(ctx, ref.objectID)
		if err != nil {
			h.fail(&req.Request, err)
			return
		}
	} else {
		frames, err := session.GetStack()
		if err != nil {
			h.fail(&req.Request, err)
			return
		}
		if ref.frameIndex < 0 || ref.frameIndex >= len(frames) {
			h.fail(&req.Request, fmt.Errorf("unknown frame %d", ref.frameIndex))
			return
		}
		vars = frames[ref.frameIndex].Variables
	}

	out := make([]dap.Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, dap.Variable{
			Name:               v.Name,
			Value:              renderValue(v.Value),
			Type:               v.Value.Kind,
			VariablesReference: h.valueRef(v.Value),
		})
	}

	h.respond(&req.Request, &dap.VariablesResponse{
		Body: dap.VariablesResponseBody{Variables: out},
	})
}

func (h *connHandler) onEvaluate(ctx context.Context, req *dap.EvaluateRequest) {
	session, err := h.sessions()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}

	value, err := session.Evaluate(ctx, req.Arguments.FrameId, req.Arguments.Expression)
	if err != nil {
		h.fail(&req.Request, err)
		return
	}

	h.respond(&req.Request, &dap.EvaluateResponse{
		Body: dap.EvaluateResponseBody{
			Result:             renderValue(value),
			Type:               value.Kind,
			VariablesReference: h.valueRef(value),
		},
	})
}

func (h *connHandler) onContinue(ctx context.Context, req *dap.ContinueRequest) {
	session, err := h.sessions()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}
	if err := session.Resume(ctx); err != nil {
		h.fail(&req.Request, err)
		return
	}
	h.respond(&req.Request, &dap.ContinueResponse{
		Body: dap.ContinueResponseBody{AllThreadsContinued: true},
	})
}

func (h *connHandler) onNext(ctx context.Context, req *dap.NextRequest) {
	session, err := h.sessions()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}
	if err := session.StepOver(ctx); err != nil {
		h.fail(&req.Request, err)
		return
	}
	h.respond(&req.Request, &dap.NextResponse{})
}

func (h *connHandler) onStepIn(ctx context.Context, req *dap.StepInRequest) {
	session, err := h.sessions()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}
	if err := session.StepInto(ctx); err != nil {
		h.fail(&req.Request, err)
		return
	}
	h.respond(&req.Request, &dap.StepInResponse{})
}

func (h *connHandler) onStepOut(ctx context.Context, req *dap.StepOutRequest) {
	session, err := h.sessions()
	if err != nil {
		h.fail(&req.Request, err)
		return
	}
	if err := session.StepOut(ctx); err != nil {
		h.fail(&req.Request, err)
		return
	}
	h.respond(&req.Request, &dap.StepOutResponse{})
}

func (h *connHandler) onDisconnect(req *dap.DisconnectRequest) {
	if err := h.service.Disconnect(); err != nil {
		h.log.Warn("failed to disconnect session", "err", err)
	}
	h.respond(&req.Request, &dap.DisconnectResponse{})
}

// --- bridge event forwarding ---

func (h *connHandler) startEventPump() {
	h.mu.Lock()
	if h.pumping {
		h.mu.Unlock()
		return
	}
	h.pumping = true
	h.mu.Unlock()

	session, err := h.sessions()
	if err != nil {
		return
	}
	stream := session.Events()

	go func() {
		defer func() {
			h.mu.Lock()
			h.pumping = false
			h.mu.Unlock()
		}()

		for ev := range stream.C {
			switch ev.Kind {
			case types.EventPaused:
				h.resetRefs()
				h.event("stopped", &dap.StoppedEvent{
					Body: dap.StoppedEventBody{
						Reason:            string(ev.Reason),
						ThreadId:          1,
						AllThreadsStopped: true,
					},
				})
			case types.EventResumed:
				h.resetRefs()
				h.event("continued", &dap.ContinuedEvent{
					Body: dap.ContinuedEventBody{ThreadId: 1, AllThreadsContinued: true},
				})
			case types.EventBreakpointResolved:
				h.mu.Lock()
				num, known := h.bpNums[ev.Breakpoint]
				h.mu.Unlock()
				if known {
					h.event("breakpoint", &dap.BreakpointEvent{
						Body: dap.BreakpointEventBody{
							Reason:     "changed",
							Breakpoint: dap.Breakpoint{Id: num, Verified: true},
						},
					})
				}
			case types.EventIsolateExit:
				h.event("terminated", &dap.TerminatedEvent{})
				return
			}
		}
	}()
}

func (h *connHandler) allocRef(ref varRef) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextRef++
	h.refs[h.nextRef] = ref
	return h.nextRef
}

// valueRef allocates a variables reference for expandable values.
func (h *connHandler) valueRef(v types.ValueInfo) int {
	if v.Primitive() || v.ObjectID == "" {
		return 0
	}
	return h.allocRef(varRef{objectID: v.ObjectID})
}

// resetRefs drops all variable references: they are only valid within one
// pause.
func (h *connHandler) resetRefs() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs = make(map[int]varRef)
	h.nextRef = 1000
}

// renderValue formats a source-level value for display.
func renderValue(v types.ValueInfo) string {
	switch v.Kind {
	case "string":
		return strconv.Quote(v.Description)
	case "undefined":
		return "undefined"
	case "null":
		return "null"
	}
	if v.Description == "" {
		return v.Kind
	}
	return v.Description
}
