// Package failover decides what to do when a transport reports failure or a
// sync times out: retry the same server after a delay, rotate to the next
// server of the same kind, fall back to the bootstrap list, or give up.
package failover

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
)

// Action is a failover decision kind.
type Action int

const (
	// ActionRetry re-attempts the same server after Decision.RetryDelay.
	ActionRetry Action = iota

	// ActionUseNext rotates to the next server of the same kind.
	ActionUseNext

	// ActionUseNextBootstrap falls back to the bootstrap server list.
	ActionUseNextBootstrap

	// ActionStop is terminal; the host is surfaced a fatal error.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionUseNext:
		return "use-next"
	case ActionUseNextBootstrap:
		return "use-next-bootstrap"
	default:
		return "stop"
	}
}

// Reason classifies the failure the strategy is consulted about.
type Reason int

const (
	// ReasonTransportError is a connection or I/O failure.
	ReasonTransportError Reason = iota

	// ReasonTimeout is a request that elapsed without a response.
	ReasonTimeout

	// ReasonEndpointNotRegistered is a server-side rejection of the
	// endpoint; retrying the same server will not help.
	ReasonEndpointNotRegistered
)

// Decision is the strategy's answer.
type Decision struct {
	Action     Action
	RetryDelay time.Duration
}

// Strategy is consulted on every transport failure. Implementations may keep
// per-server history; OnSuccess resets it.
type Strategy interface {
	OnFailure(ap channel.AccessPoint, reason Reason) Decision
	OnSuccess(ap channel.AccessPoint)
}

// Config tunes the default strategy.
type Config struct {
	// RetriesPerServer is how many times one server is retried before
	// rotating to the next.
	RetriesPerServer int

	// RotationsPerCycle is how many rotations are attempted before the
	// strategy escalates: operations traffic falls back to bootstrap,
	// bootstrap traffic stops the app.
	RotationsPerCycle int

	// InitialRetryDelay seeds the exponential backoff.
	InitialRetryDelay time.Duration

	// MaxRetryDelay is the backoff ceiling.
	MaxRetryDelay time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		RetriesPerServer:  2,
		RotationsPerCycle: 3,
		InitialRetryDelay: 2 * time.Second,
		MaxRetryDelay:     5 * time.Minute,
	}
}

// DefaultStrategy escalates Retry → UseNext → UseNextBootstrap → StopApp,
// with exponentially growing retry delays bounded by the configured ceiling.
// A failure counter per server drives the ladder; any success resets it.
type DefaultStrategy struct {
	mu        sync.Mutex
	cfg       Config
	failures  map[uint32]int
	rotations map[channel.ServerKind]int
	delay     *backoff.ExponentialBackOff
}

// NewDefaultStrategy returns the default failover strategy. Zero-valued
// config fields take their defaults.
func NewDefaultStrategy(cfg Config) *DefaultStrategy {
	def := DefaultConfig()
	if cfg.RetriesPerServer <= 0 {
		cfg.RetriesPerServer = def.RetriesPerServer
	}
	if cfg.RotationsPerCycle <= 0 {
		cfg.RotationsPerCycle = def.RotationsPerCycle
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = def.InitialRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}

	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = cfg.InitialRetryDelay
	delay.MaxInterval = cfg.MaxRetryDelay
	delay.MaxElapsedTime = 0
	delay.Reset()

	return &DefaultStrategy{
		cfg:       cfg,
		failures:  make(map[uint32]int),
		rotations: make(map[channel.ServerKind]int),
		delay:     delay,
	}
}

// OnFailure records the failure and walks the escalation ladder.
func (s *DefaultStrategy) OnFailure(ap channel.AccessPoint, reason Reason) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[ap.ID]++
	count := s.failures[ap.ID]

	logger.Debug("failover consulted",
		logger.KeyServer, ap.Addr(),
		"kind", ap.Kind.String(),
		"reason", int(reason),
		"failures", count)

	if reason != ReasonEndpointNotRegistered && count <= s.cfg.RetriesPerServer {
		return Decision{Action: ActionRetry, RetryDelay: s.delay.NextBackOff()}
	}

	// The server is spent for this cycle; rotate.
	s.failures[ap.ID] = 0
	s.rotations[ap.Kind]++
	if s.rotations[ap.Kind] <= s.cfg.RotationsPerCycle {
		return Decision{Action: ActionUseNext, RetryDelay: s.delay.NextBackOff()}
	}

	s.rotations[ap.Kind] = 0
	if ap.Kind == channel.ServerOperations {
		return Decision{Action: ActionUseNextBootstrap, RetryDelay: s.delay.NextBackOff()}
	}
	return Decision{Action: ActionStop}
}

// OnSuccess clears the server's failure history and resets the backoff.
func (s *DefaultStrategy) OnSuccess(ap channel.AccessPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, ap.ID)
	s.rotations[ap.Kind] = 0
	s.delay.Reset()
}
