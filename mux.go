package peeklock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mux is a Handler that routes messages by Subject.
//
// A subject ending in "*" matches every subject with that prefix. Exact
// subjects win over prefixes and longer prefixes win over shorter ones.
// Messages nothing matches go to the fallback handler, NotFoundHandler
// unless HandleDefault set another.
type Mux struct {
	mu       sync.RWMutex
	exact    map[string]Handler
	prefixes []prefixRoute
	fallback Handler
}

type prefixRoute struct {
	prefix string
	h      Handler
}

func NewMux() *Mux {
	return &Mux{
		exact:    make(map[string]Handler),
		fallback: NotFoundHandler(),
	}
}

// Handle registers the handler for messages with the given subject.
// Registering a subject again replaces its handler.
func (m *Mux) Handle(subject string, h Handler) {
	if h == nil {
		panic("peeklock: nil handler for subject " + subject)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prefix, ok := strings.CutSuffix(subject, "*")
	if !ok {
		m.exact[subject] = h
		return
	}

	for i := range m.prefixes {
		if m.prefixes[i].prefix == prefix {
			m.prefixes[i].h = h
			return
		}
	}

	m.prefixes = append(m.prefixes, prefixRoute{prefix: prefix, h: h})
	sort.Slice(m.prefixes, func(i, j int) bool {
		return len(m.prefixes[i].prefix) > len(m.prefixes[j].prefix)
	})
}

// HandleFunc registers the handler function for the given subject.
func (m *Mux) HandleFunc(subject string, fn func(context.Context, *Message) error) {
	m.Handle(subject, HandlerFunc(fn))
}

// HandleDefault sets the handler for messages no route matches.
func (m *Mux) HandleDefault(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h == nil {
		h = NotFoundHandler()
	}
	m.fallback = h
}

// ProcessMessage dispatches the message to the handler
// registered for its subject.
func (m *Mux) ProcessMessage(ctx context.Context, msg *Message) error {
	return m.Handler(msg).ProcessMessage(ctx, msg)
}

// Handler returns the handler to use for the given message. It never
// returns nil.
func (m *Mux) Handler(msg *Message) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.exact[msg.Subject]; ok {
		return h
	}

	// prefixes are kept longest first
	for _, r := range m.prefixes {
		if strings.HasPrefix(msg.Subject, r.prefix) {
			return r.h
		}
	}

	return m.fallback
}

// NotFound returns an error indicating that the handler was not found for the given message.
func NotFound(ctx context.Context, msg *Message) error {
	return fmt.Errorf("handler not found for subject %q", msg.Subject)
}

// NotFoundHandler returns a handler that fails every message with NotFound.
func NotFoundHandler() Handler { return HandlerFunc(NotFound) }
