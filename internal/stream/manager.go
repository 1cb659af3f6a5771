package stream

import (
	"github.com/Simplereally/rapid-chat/internal/session"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// Manager constructs producers on demand and marks their sessions as owned
// by this runtime. Sessions reached only through Manager-less stores stay
// observers.
type Manager struct {
	store  *session.Store
	config Config
	logger *logger.Logger
}

// NewManager creates a producer manager for the given store
func NewManager(store *session.Store, config Config, log *logger.Logger) *Manager {
	return &Manager{
		store:  store,
		config: config,
		logger: log.Named("stream-manager"),
	}
}

// GetOrCreate returns the session's producer, constructing one on first
// access. The same producer instance is returned for the session's
// lifetime in the store.
func (m *Manager) GetOrCreate(sessionID string) *Producer {
	producer := m.store.GetOrCreate(sessionID, func() session.Producer {
		return NewProducer(sessionID, m.store, m.config, m.logger)
	})
	if producer == nil {
		// Entry pre-existed as an observer mirror; take ownership is not
		// supported, callers must route to the owning runtime instead.
		return nil
	}
	return producer.(*Producer)
}

// ProducerFor returns the session's producer if this runtime owns one
func (m *Manager) ProducerFor(sessionID string) (*Producer, bool) {
	producer, ok := m.store.ProducerOf(sessionID)
	if !ok {
		return nil, false
	}
	concrete, ok := producer.(*Producer)
	return concrete, ok
}
