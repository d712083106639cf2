package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/wsconn"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectDelay is the fixed pause between sessions.
	DefaultReconnectDelay = 3 * time.Second

	providerOutboundBuffer = 256
)

var (
	// ErrMissingDoc reports a ProviderConfig without a document.
	ErrMissingDoc = errors.New("collab: provider document is required")
	// ErrMissingURL reports a ProviderConfig without a URL.
	ErrMissingURL = errors.New("collab: provider url is required")
)

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string, header http.Header) (wsconn.Conn, error)

// ProviderConfig wires a client Provider.
type ProviderConfig struct {
	URL            string
	Header         http.Header
	Doc            *crdt.Doc
	ReconnectDelay time.Duration
	Dial           DialFunc
	Logger         *zap.Logger
	OnSynced       func()
	OnDisconnect   func()
}

// Provider keeps a local document in sync with a room on the server.
type Provider struct {
	cfg    ProviderConfig
	logger *zap.Logger

	mu       sync.Mutex
	outbound chan []byte
	abort    context.CancelFunc
	synced   bool
	syncedCh chan struct{}
}

// NewProvider validates cfg and constructs a Provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Doc == nil {
		return nil, ErrMissingDoc
	}
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dial == nil {
		cfg.Dial = wsconn.Dial
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, logger: logger, syncedCh: make(chan struct{})}, nil
}

// Synced reports whether the current session finished its initial state exchange.
func (provider *Provider) Synced() bool {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return provider.synced
}

// WaitSynced blocks until the current or next session is synced.
func (provider *Provider) WaitSynced(ctx context.Context) error {
	provider.mu.Lock()
	syncedCh := provider.syncedCh
	provider.mu.Unlock()
	select {
	case <-syncedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and reconnects until ctx ends.
func (provider *Provider) Run(ctx context.Context) error {
	unsubscribe := provider.cfg.Doc.OnUpdate(provider.forward)
	defer unsubscribe()

	for {
		err := provider.session(ctx)
		provider.markDisconnected()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		provider.logger.Warn("collab session ended, reconnecting",
			zap.String("url", provider.cfg.URL),
			zap.Duration("delay", provider.cfg.ReconnectDelay),
			zap.Error(err))
		timer := time.NewTimer(provider.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (provider *Provider) session(ctx context.Context) error {
	conn, err := provider.cfg.Dial(ctx, provider.cfg.URL, provider.cfg.Header)
	if err != nil {
		return err
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close("")

	outbound := make(chan []byte, providerOutboundBuffer)
	provider.setOutbound(outbound, cancel)
	defer provider.setOutbound(nil, nil)

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case update := <-outbound:
				if err := writeFrame(sessionCtx, conn, Frame{Type: FrameUpdate, Update: update}); err != nil {
					writeErr <- err
					cancel()
					return
				}
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	for {
		payload, err := conn.Read(sessionCtx)
		if err != nil {
			select {
			case failure := <-writeErr:
				return failure
			default:
			}
			return err
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			provider.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case FrameSync:
			if err := provider.cfg.Doc.ApplyUpdate(frame.Update, provider); err != nil {
				provider.logger.Warn("dropping undecodable sync state", zap.Error(err))
				continue
			}
			state, err := provider.cfg.Doc.EncodeStateAsUpdate()
			if err != nil {
				return err
			}
			if err := writeFrame(sessionCtx, conn, Frame{Type: FrameSync, Update: state}); err != nil {
				return err
			}
			provider.markSynced()
		case FrameUpdate:
			if err := provider.cfg.Doc.ApplyUpdate(frame.Update, provider); err != nil {
				provider.logger.Warn("dropping undecodable update", zap.Error(err))
			}
		case FrameSynced:
		default:
			provider.logger.Warn("dropping unknown frame", zap.String("type", frame.Type))
		}
	}
}

// forward queues local changes for the server. Updates made while disconnected are carried by the
// full state sent on the next sync.
func (provider *Provider) forward(event crdt.UpdateEvent) {
	if event.Origin == provider {
		return
	}
	provider.mu.Lock()
	outbound := provider.outbound
	provider.mu.Unlock()
	if outbound == nil {
		return
	}
	select {
	case outbound <- event.Update:
	default:
		provider.logger.Warn("outbound buffer full, restarting session")
		provider.mu.Lock()
		if provider.abort != nil {
			provider.abort()
		}
		provider.mu.Unlock()
	}
}

func (provider *Provider) setOutbound(outbound chan []byte, abort context.CancelFunc) {
	provider.mu.Lock()
	provider.outbound = outbound
	provider.abort = abort
	provider.mu.Unlock()
}

func (provider *Provider) markSynced() {
	provider.mu.Lock()
	if provider.synced {
		provider.mu.Unlock()
		return
	}
	provider.synced = true
	close(provider.syncedCh)
	provider.mu.Unlock()
	if provider.cfg.OnSynced != nil {
		provider.cfg.OnSynced()
	}
}

func (provider *Provider) markDisconnected() {
	provider.mu.Lock()
	if provider.synced {
		provider.synced = false
		provider.syncedCh = make(chan struct{})
	}
	provider.mu.Unlock()
	if provider.cfg.OnDisconnect != nil {
		provider.cfg.OnDisconnect()
	}
}
