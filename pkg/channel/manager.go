package channel

import (
	"fmt"
	"sync"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
)

// Manager maps extension types to the transport channel currently bound for
// each type. A channel may serve several types, and a type is served by at
// most one channel; when two channels claim the same type the newer one wins.
//
// The manager's mutex guards only the routing table. Channel calls (Sync,
// Close, SetServer) happen outside the lock so a slow transport cannot stall
// routing.
type Manager struct {
	mu       sync.Mutex
	byType   map[extension.Type]Channel
	channels map[string]Channel
	builder  RequestBuilder
	closed   bool
}

// NewManager returns an empty channel manager.
func NewManager() *Manager {
	return &Manager{
		byType:   make(map[extension.Type]Channel),
		channels: make(map[string]Channel),
	}
}

// SetRequestBuilder stores the engine handed to channels on Add.
func (m *Manager) SetRequestBuilder(b RequestBuilder) {
	m.mu.Lock()
	m.builder = b
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.SetRequestBuilder(b)
	}
}

// Add registers a channel and binds every type it supports. Types already
// bound elsewhere are rebound to the new channel; the displaced channel is
// informed so it can free resources tied to that type.
func (m *Manager) Add(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("%w: nil channel", errdefs.ErrBadParam)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: channel manager closed", errdefs.ErrInvalidState)
	}
	builder := m.builder
	m.channels[ch.ID()] = ch

	displaced := make(map[Channel][]extension.Type)
	for _, t := range ch.SupportedTypes() {
		if old, ok := m.byType[t]; ok && old != ch {
			displaced[old] = append(displaced[old], t)
		}
		m.byType[t] = ch
	}
	m.mu.Unlock()

	if builder != nil {
		ch.SetRequestBuilder(builder)
	}
	for old, types := range displaced {
		d, ok := old.(TypeDisplacer)
		for _, t := range types {
			logger.Debug("transport channel displaced",
				logger.KeyChannel, old.ID(), logger.KeyExtension, t.String())
			if ok {
				d.TypeDisplaced(t)
			}
		}
	}
	logger.Info("transport channel registered", logger.KeyChannel, ch.ID())
	return nil
}

// Remove unbinds a channel and calls its teardown hook. Removing a channel
// that was never added (or was already removed) is a no-op.
func (m *Manager) Remove(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("%w: nil channel", errdefs.ErrBadParam)
	}

	m.mu.Lock()
	if _, ok := m.channels[ch.ID()]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.channels, ch.ID())
	for t, bound := range m.byType {
		if bound == ch {
			delete(m.byType, t)
		}
	}
	m.mu.Unlock()

	if err := ch.Close(); err != nil {
		logger.Warn("transport channel teardown failed", logger.KeyChannel, ch.ID(), logger.KeyError, err)
	}
	logger.Info("transport channel removed", logger.KeyChannel, ch.ID())
	return nil
}

// ChannelFor returns the channel bound for the given extension type.
func (m *Manager) ChannelFor(t extension.Type) (Channel, error) {
	m.mu.Lock()
	ch, ok := m.byType[t]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no channel for %s extension", errdefs.ErrNotFound, t)
	}
	return ch, nil
}

// Sync asks the channel bound for t to initiate a sync including t.
func (m *Manager) Sync(t extension.Type) error {
	ch, err := m.ChannelFor(t)
	if err != nil {
		return err
	}
	return ch.Sync([]extension.Type{t})
}

// OnServerListUpdated forwards a fresh access point list to every channel
// that declared interest.
func (m *Manager) OnServerListUpdated(list []AccessPoint) {
	m.mu.Lock()
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if obs, ok := ch.(ServerListObserver); ok {
			obs.OnServerListUpdated(list)
		}
	}
}

// Channels returns a snapshot of the registered channels.
func (m *Manager) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// Close removes every channel. The manager accepts no further channels.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	channels := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]Channel)
	m.byType = make(map[extension.Type]Channel)
	m.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
