package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tdewey/webdbg/internal/browser"
	"github.com/tdewey/webdbg/internal/cdp"
	"github.com/tdewey/webdbg/internal/config"
	"github.com/tdewey/webdbg/internal/errors"
	"github.com/tdewey/webdbg/internal/sourcemaps"
	"github.com/tdewey/webdbg/pkg/types"
)

// Service owns the whole debug stack for the single active debuggee: the
// browser process, the inspection connection, and the bridge session. Both
// front-ends drive it; the browser Manager underneath enforces that only
// one session exists at a time.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	browsers *browser.Manager
	provider sourcemaps.MapProvider

	mu      sync.Mutex
	client  *cdp.Client
	session *Session
	ep      *browser.Endpoint
}

// NewService builds a Service with the default HTTP source map provider.
func NewService(cfg *config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		log:      log.With("component", "service"),
		browsers: browser.NewManager(cfg, log),
		provider: sourcemaps.NewHTTPProvider(),
	}
}

// Launch starts the browser on the given URLs and connects a debug session
// to its first page. port 0 picks a free port.
func (s *Service) Launch(ctx context.Context, urls []string, port int) (types.IsolateInfo, error) {
	ep, err := s.browsers.Start(ctx, urls, port)
	if err != nil {
		return types.IsolateInfo{}, err
	}
	return s.connect(ctx, ep)
}

// Attach connects a debug session to an already-running browser. The
// browser process stays up after Disconnect.
func (s *Service) Attach(ctx context.Context, port int) (types.IsolateInfo, error) {
	ep, err := s.browsers.Attach(ctx, port)
	if err != nil {
		return types.IsolateInfo{}, err
	}
	return s.connect(ctx, ep)
}

func (s *Service) connect(ctx context.Context, ep *browser.Endpoint) (types.IsolateInfo, error) {
	transport, err := cdp.Dial(ctx, ep.PageWSURL)
	if err != nil {
		_ = s.browsers.Close()
		return types.IsolateInfo{}, errors.ConnectFailed(ep.PageWSURL, err)
	}

	client := cdp.NewClient(transport, s.log)
	session, err := NewSession(ctx, client, NewCDPDebugger(client), s.provider, s.log)
	if err != nil {
		_ = client.Close()
		_ = s.browsers.Close()
		return types.IsolateInfo{}, err
	}

	s.mu.Lock()
	s.client = client
	s.session = session
	s.ep = ep
	s.mu.Unlock()

	s.log.Info("debug session connected", "page", ep.PageURL, "port", ep.Port)
	return session.Info(), nil
}

// Session returns the active bridge session.
func (s *Service) Session() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errors.SessionNotFound()
	}
	return s.session, nil
}

// Endpoint returns the connected page endpoint.
func (s *Service) Endpoint() (*browser.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep == nil {
		return nil, errors.SessionNotFound()
	}
	return s.ep, nil
}

// Disconnect tears the session down: bridge first, then the connection,
// then the browser slot. Idempotent.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	session := s.session
	client := s.client
	s.session = nil
	s.client = nil
	s.ep = nil
	s.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if client != nil {
		if err := client.Close(); err != nil {
			s.log.Warn("failed to close inspection connection", "err", err)
		}
	}
	return s.browsers.Close()
}

// Close is Disconnect under another name, for defer at shutdown.
func (s *Service) Close() error {
	return s.Disconnect()
}
