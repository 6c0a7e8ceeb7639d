// Package bootstrap keeps the endpoint reachable: it owns the compiled
// bootstrap server list, the operations server pools learned from bootstrap
// syncs, and the failover decisions that rotate between them.
package bootstrap

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/failover"
	"github.com/edgewire/edgesync/pkg/metrics"
)

// Manager tracks both server pools and drives failover. Rotation is
// round-robin within a pool; after the strategy escalates past the
// operations pool the endpoint falls back to the bootstrap list.
type Manager struct {
	channels *channel.Manager
	strategy failover.Strategy
	m        *metrics.SyncMetrics

	mu           sync.Mutex
	bootstrap    []channel.AccessPoint
	bootstrapIdx int
	ops          map[uint32][]channel.AccessPoint // keyed by transport protocol id
	opsIdx       map[uint32]int
	stopped      bool
	timers       map[*time.Timer]struct{}
	closed       bool
}

// NewManager returns a Manager over the compiled bootstrap server list.
func NewManager(channels *channel.Manager, strategy failover.Strategy, bootstrapServers []channel.AccessPoint, m *metrics.SyncMetrics) (*Manager, error) {
	if channels == nil || strategy == nil {
		return nil, fmt.Errorf("%w: channel manager and strategy are required", errdefs.ErrBadParam)
	}
	if len(bootstrapServers) == 0 {
		return nil, fmt.Errorf("%w: no bootstrap servers configured", errdefs.ErrBadParam)
	}

	servers := make([]channel.AccessPoint, len(bootstrapServers))
	copy(servers, bootstrapServers)
	for i := range servers {
		servers[i].Kind = channel.ServerBootstrap
	}

	return &Manager{
		channels:  channels,
		strategy:  strategy,
		m:         m,
		bootstrap: servers,
		ops:       make(map[uint32][]channel.AccessPoint),
		opsIdx:    make(map[uint32]int),
		timers:    make(map[*time.Timer]struct{}),
	}, nil
}

// BootstrapServer returns the current bootstrap access point for the given
// transport protocol.
func (b *Manager) BootstrapServer(protocolID uint32) (channel.AccessPoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pickBootstrapLocked(protocolID)
}

func (b *Manager) pickBootstrapLocked(protocolID uint32) (channel.AccessPoint, bool) {
	n := len(b.bootstrap)
	for i := 0; i < n; i++ {
		ap := b.bootstrap[(b.bootstrapIdx+i)%n]
		if ap.ProtocolID == protocolID {
			return ap, true
		}
	}
	return channel.AccessPoint{}, false
}

// OperationsServer returns the current operations access point for the given
// transport protocol.
func (b *Manager) OperationsServer(protocolID uint32) (channel.AccessPoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pool := b.ops[protocolID]
	if len(pool) == 0 {
		return channel.AccessPoint{}, false
	}
	return pool[b.opsIdx[protocolID]%len(pool)], true
}

// OnServerListUpdated installs a fresh operations server list received from
// a bootstrap sync and points every operations channel at a matching server.
func (b *Manager) OnServerListUpdated(list []channel.AccessPoint) {
	b.mu.Lock()
	b.ops = make(map[uint32][]channel.AccessPoint)
	b.opsIdx = make(map[uint32]int)
	for _, ap := range list {
		ap.Kind = channel.ServerOperations
		b.ops[ap.ProtocolID] = append(b.ops[ap.ProtocolID], ap)
	}
	b.mu.Unlock()

	logger.Info("operations server list updated", logger.KeyCount, len(list))
	b.channels.OnServerListUpdated(list)
	b.AssignServers()
}

// AssignServers points every registered channel at the current access point
// of the pool it belongs to. Channels serving only the bootstrap extension
// get bootstrap servers, everything else gets operations servers.
func (b *Manager) AssignServers() {
	for _, ch := range b.channels.Channels() {
		b.assignServer(ch)
	}
}

func (b *Manager) assignServer(ch channel.Channel) {
	var ap channel.AccessPoint
	var ok bool
	if isBootstrapChannel(ch) {
		ap, ok = b.BootstrapServer(ch.TransportProtocolID())
	} else {
		ap, ok = b.OperationsServer(ch.TransportProtocolID())
	}
	if !ok {
		logger.Debug("no server available for channel", logger.KeyChannel, ch.ID())
		return
	}
	if err := ch.SetServer(ap); err != nil {
		logger.Warn("failed to point channel at server",
			logger.KeyChannel, ch.ID(), logger.KeyServer, ap.Addr(), logger.KeyError, err)
	}
}

func isBootstrapChannel(ch channel.Channel) bool {
	for _, t := range ch.SupportedTypes() {
		if t != extension.TypeBootstrap {
			return false
		}
	}
	return true
}

// OnChannelFailure is the transports' failure sink. The failover strategy
// decides; the manager executes the decision.
func (b *Manager) OnChannelFailure(ch channel.Channel, ap channel.AccessPoint, reason failover.Reason) {
	decision := b.strategy.OnFailure(ap, reason)
	b.m.RecordFailoverDecision(decision.Action.String())
	logger.Warn("transport failure",
		logger.KeyChannel, ch.ID(),
		logger.KeyServer, ap.Addr(),
		"action", decision.Action.String(),
		"delay", decision.RetryDelay)

	switch decision.Action {
	case failover.ActionRetry:
		b.after(decision.RetryDelay, func() { b.retrySync(ch) })

	case failover.ActionUseNext:
		b.rotate(ap)
		b.assignServer(ch)
		b.after(decision.RetryDelay, func() { b.retrySync(ch) })

	case failover.ActionUseNextBootstrap:
		b.mu.Lock()
		b.bootstrapIdx++
		b.mu.Unlock()
		b.after(decision.RetryDelay, func() { b.syncBootstrap() })

	case failover.ActionStop:
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		logger.Error("failover strategy exhausted, endpoint stopped",
			logger.KeyServer, ap.Addr())
	}
}

// OnChannelSuccess resets the strategy's history for the server.
func (b *Manager) OnChannelSuccess(ap channel.AccessPoint) {
	b.strategy.OnSuccess(ap)
}

func (b *Manager) rotate(failed channel.AccessPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if failed.Kind == channel.ServerBootstrap {
		b.bootstrapIdx++
		return
	}
	b.opsIdx[failed.ProtocolID]++
}

func (b *Manager) retrySync(ch channel.Channel) {
	if err := ch.Sync(ch.SupportedTypes()); err != nil {
		logger.Warn("failover retry sync failed", logger.KeyChannel, ch.ID(), logger.KeyError, err)
	}
}

func (b *Manager) syncBootstrap() {
	b.AssignServers()
	if err := b.channels.Sync(extension.TypeBootstrap); err != nil {
		logger.Warn("bootstrap fallback sync failed", logger.KeyError, err)
	}
}

// ProcessFailover reports whether the endpoint is still recoverable and, if
// so, kicks a bootstrap sync to refresh the operations pool.
func (b *Manager) ProcessFailover() bool {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return false
	}
	b.syncBootstrap()
	return true
}

// Stopped reports whether the strategy reached its terminal decision.
func (b *Manager) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Manager) after(d time.Duration, fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, t)
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			fn()
		}
	})
	b.timers[t] = struct{}{}
	b.mu.Unlock()
}

// Close cancels pending failover timers.
func (b *Manager) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	return nil
}
