package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryEventBus is an in-memory implementation of EventBus for
// single-process deployments and tests.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        bool
	logger        *logger.Logger
}

type memorySubscription struct {
	id      string
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	bus     *MemoryEventBus
	valid   bool
	mu      sync.RWMutex
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        logger.Default(),
	}
}

// compilePattern converts a NATS-style subject pattern to a regexp.
// "*" matches one token, ">" matches one or more trailing tokens.
func compilePattern(subject string) (*regexp.Regexp, error) {
	if !strings.ContainsAny(subject, "*>") {
		return regexp.Compile("^" + regexp.QuoteMeta(subject) + "$")
	}
	tokens := strings.Split(subject, ".")
	parts := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case "*":
			parts = append(parts, `[^.]+`)
		case ">":
			if i == len(tokens)-1 {
				parts = append(parts, `.+`)
			} else {
				parts = append(parts, regexp.QuoteMeta(tok))
			}
		default:
			parts = append(parts, regexp.QuoteMeta(tok))
		}
	}
	return regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
}

// Publish delivers an event to all matching subscribers. Handlers run
// synchronously in subscription order; a handler error is logged and does
// not stop delivery to other subscribers.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	var matched []*memorySubscription
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.IsValid() && sub.pattern.MatchString(subject) {
				matched = append(matched, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	pattern, err := compilePattern(subject)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		id:      uuid.New().String(),
		subject: subject,
		pattern: pattern,
		handler: handler,
		bus:     b,
		valid:   true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Close invalidates all subscriptions and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.invalidate()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.invalidate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

func (s *memorySubscription) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}
