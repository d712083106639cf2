package spreadsheet

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"go.uber.org/zap"
)

// SessionConfig connects a spreadsheet room.
type SessionConfig struct {
	URL            string
	Header         http.Header
	ReadOnly       bool
	ReconnectDelay time.Duration
	Dial           collab.DialFunc
	Logger         *zap.Logger
}

// Session is a client connection to a spreadsheet room. Its forwarder accepts remote batches only
// while the provider is synced, so op history replayed by a sync is never forwarded.
type Session struct {
	Doc       *crdt.Doc
	Provider  *collab.Provider
	Forwarder *Forwarder
}

// NewSession builds the document, the forwarder and the provider driving them.
func NewSession(cfg SessionConfig) (*Session, error) {
	doc := crdt.New()
	forwarder := NewForwarder(doc, Options{ReadOnly: cfg.ReadOnly, Logger: cfg.Logger})
	provider, err := collab.NewProvider(collab.ProviderConfig{
		URL:            cfg.URL,
		Header:         cfg.Header,
		Doc:            doc,
		ReconnectDelay: cfg.ReconnectDelay,
		Dial:           cfg.Dial,
		Logger:         cfg.Logger,
		OnSynced:       forwarder.MarkSynced,
		OnDisconnect:   forwarder.ResetSync,
	})
	if err != nil {
		forwarder.Close()
		return nil, err
	}
	return &Session{Doc: doc, Provider: provider, Forwarder: forwarder}, nil
}

// Run keeps the session connected until ctx ends, then stops the forwarder.
func (session *Session) Run(ctx context.Context) error {
	defer session.Forwarder.Close()
	return session.Provider.Run(ctx)
}
