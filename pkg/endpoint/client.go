// Package endpoint glues the SDK together: it owns the status store, the
// channel manager, the platform protocol engine, the failover machinery and
// the extension set, and exposes the public host API.
package endpoint

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/bootstrap"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/extension/configuration"
	"github.com/edgewire/edgesync/pkg/extension/event"
	"github.com/edgewire/edgesync/pkg/extension/logupload"
	logmemory "github.com/edgewire/edgesync/pkg/extension/logupload/memory"
	"github.com/edgewire/edgesync/pkg/extension/notification"
	"github.com/edgewire/edgesync/pkg/extension/profile"
	"github.com/edgewire/edgesync/pkg/extension/user"
	"github.com/edgewire/edgesync/pkg/failover"
	"github.com/edgewire/edgesync/pkg/keys"
	"github.com/edgewire/edgesync/pkg/metrics"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/syncengine"
)

// Features selects which optional extensions are instantiated. Extension
// type codes stay reserved either way, so a disabled build still parses
// frames from a full one.
type Features struct {
	DisableEvents        bool
	DisableNotifications bool
	DisableLogging       bool
	DisableConfiguration bool
}

// Config assembles a Client.
type Config struct {
	// AppToken is the compiled application token (exactly 20 bytes).
	AppToken string

	// StatusPath locates the persisted endpoint status.
	StatusPath string

	// KeyProvider supplies the endpoint public key. Required.
	KeyProvider keys.Provider

	// BootstrapServers is the compiled bootstrap server list. Required.
	BootstrapServers []channel.AccessPoint

	// StatusPersistence overrides the filesystem persistence.
	StatusPersistence status.Persistence

	// ConfigurationPersistence stores the configuration body. Optional.
	ConfigurationPersistence configuration.Persistence

	// LogStorage holds queued log records; defaults to in-memory.
	LogStorage logupload.Storage

	// LogUploadStrategy decides when to upload; defaults apply.
	LogUploadStrategy logupload.UploadStrategy

	// FailoverStrategy overrides the default strategy.
	FailoverStrategy failover.Strategy

	// Failover tunes the default strategy when no override is given.
	Failover failover.Config

	// SyncTimeout is the per-request timeout carried in the metadata
	// extension.
	SyncTimeout time.Duration

	Features Features
}

// Client is the endpoint context. One Client is one endpoint; nothing in the
// SDK is process-global.
type Client struct {
	st       *status.Status
	channels *channel.Manager
	engine   *syncengine.Engine
	boot     *bootstrap.Manager
	reg      *extension.Registry

	profileExt *profile.Extension
	userExt    *user.Extension
	eventExt   *event.Extension
	notifExt   *notification.Extension
	logExt     *logupload.Extension
	configExt  *configuration.Extension
	bootExt    *bootstrap.Extension

	mu      sync.Mutex
	started bool
	closed  bool
}

// New runs the startup sequence: status, endpoint identity, channel manager,
// failover strategy, the extension set in fixed order, then the protocol
// engine.
func New(cfg Config) (*Client, error) {
	if cfg.KeyProvider == nil {
		return nil, fmt.Errorf("%w: key provider is required", errdefs.ErrBadParam)
	}
	if cfg.StatusPath == "" {
		return nil, fmt.Errorf("%w: status path is required", errdefs.ErrBadParam)
	}

	st := status.New(cfg.StatusPath, cfg.StatusPersistence)
	if err := st.Load(); err != nil {
		return nil, err
	}

	// Endpoint identity: SHA-1 over the public key blob, computed once and
	// immutable afterwards.
	pub, err := cfg.KeyProvider.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain endpoint public key: %w", err)
	}
	hash := keys.SHA1(pub)
	if current, ok := st.EndpointKeyHash(); ok {
		if current != hash {
			return nil, fmt.Errorf("%w: endpoint key changed since status was created", errdefs.ErrInvalidState)
		}
	} else if err := st.SetEndpointKeyHash(hash); err != nil {
		return nil, err
	}
	logger.Info("endpoint identity ready", logger.KeyEndpointID, hex.EncodeToString(hash[:8]))

	syncMetrics := metrics.NewSyncMetrics()
	channels := channel.NewManager()

	strategy := cfg.FailoverStrategy
	if strategy == nil {
		strategy = failover.NewDefaultStrategy(cfg.Failover)
	}
	boot, err := bootstrap.NewManager(channels, strategy, cfg.BootstrapServers, syncMetrics)
	if err != nil {
		return nil, err
	}

	c := &Client{
		st:       st,
		channels: channels,
		boot:     boot,
		reg:      extension.NewRegistry(),
	}

	// Extensions are created in a fixed order and torn down in reverse.
	c.bootExt, err = bootstrap.NewExtension(boot, cfg.AppToken)
	if err != nil {
		return nil, err
	}
	c.profileExt = profile.New(st, channels)
	c.userExt = user.New(st, channels)

	exts := []extension.Extension{c.bootExt, c.profileExt, c.userExt}
	if !cfg.Features.DisableEvents {
		c.eventExt = event.New(st, channels)
		exts = append(exts, c.eventExt)
	}
	if !cfg.Features.DisableNotifications {
		c.notifExt = notification.New(st, channels)
		exts = append(exts, c.notifExt)
	}
	if !cfg.Features.DisableLogging {
		storage := cfg.LogStorage
		if storage == nil {
			storage = logmemory.New()
		}
		c.logExt = logupload.New(channels, storage, cfg.LogUploadStrategy)
		exts = append(exts, c.logExt)
	}
	if !cfg.Features.DisableConfiguration {
		c.configExt = configuration.New(st, channels, cfg.ConfigurationPersistence)
		exts = append(exts, c.configExt)
	}
	for _, e := range exts {
		if err := c.reg.Register(e); err != nil {
			return nil, err
		}
	}

	c.engine, err = syncengine.New(syncengine.Config{
		Status:      st,
		Registry:    c.reg,
		AppToken:    cfg.AppToken,
		SyncTimeout: cfg.SyncTimeout,
		Metrics:     syncMetrics,
	})
	if err != nil {
		return nil, err
	}
	channels.SetRequestBuilder(c.engine)

	return c, nil
}

// AddChannel registers a transport channel and points it at the current
// server of its pool.
func (c *Client) AddChannel(ch channel.Channel) error {
	if err := c.channels.Add(ch); err != nil {
		return err
	}
	c.boot.AssignServers()
	return nil
}

// RemoveChannel unbinds a transport channel. In-flight requests on it are
// abandoned by the transport's own teardown.
func (c *Client) RemoveChannel(ch channel.Channel) error {
	return c.channels.Remove(ch)
}

// ChannelManager exposes the routing layer to transports and diagnostics.
func (c *Client) ChannelManager() *channel.Manager { return c.channels }

// FailureSink returns the bootstrap manager, the sink transports report
// failures to.
func (c *Client) FailureSink() *bootstrap.Manager { return c.boot }

// Start triggers the initial bootstrap sync. It fails with ErrNotFound when
// no channel carries the bootstrap extension, and with ErrInvalidState when
// no profile has been set yet.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: endpoint closed", errdefs.ErrInvalidState)
	}
	c.mu.Unlock()

	if !c.profileExt.IsSet() {
		return fmt.Errorf("%w: profile is not set", errdefs.ErrInvalidState)
	}
	ch, err := c.channels.ChannelFor(extension.TypeBootstrap)
	if err != nil {
		return fmt.Errorf("bootstrap channel missing: %w", err)
	}

	c.boot.AssignServers()
	logger.Info("starting endpoint")
	if err := ch.Sync([]extension.Type{extension.TypeBootstrap}); err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// Stop abandons the in-flight request and persists the status. The client
// can be started again.
func (c *Client) Stop() error {
	c.engine.AbandonRequest(c.engine.RequestID())
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return c.st.Save()
}

// Close tears the endpoint down: extensions in reverse registration order,
// then channels, then a final status save.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	if err := c.reg.Close(); err != nil {
		firstErr = err
	}
	if err := c.boot.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.channels.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.st.Save(); err != nil && firstErr == nil {
		firstErr = err
	}
	logger.Info("endpoint closed")
	return firstErr
}

// EndpointID returns the endpoint's public key hash.
func (c *Client) EndpointID() (keys.Digest, error) {
	hash, ok := c.st.EndpointKeyHash()
	if !ok {
		return keys.Digest{}, fmt.Errorf("%w: endpoint identity", errdefs.ErrInvalidState)
	}
	return hash, nil
}

// EndpointAccessToken returns the endpoint-scoped access token.
func (c *Client) EndpointAccessToken() string {
	return c.st.EndpointAccessToken()
}

// SetEndpointAccessToken replaces the endpoint access token with one issued
// by the host.
func (c *Client) SetEndpointAccessToken(token string) error {
	return c.st.SetEndpointAccessToken(token)
}

// IsRegistered reports whether the server acknowledged registration.
func (c *Client) IsRegistered() bool { return c.st.IsRegistered() }

// ProcessFailover reports whether the endpoint is still recoverable after a
// failover event.
func (c *Client) ProcessFailover() bool { return c.boot.ProcessFailover() }

// Status exposes the durable state to diagnostics surfaces.
func (c *Client) Status() *status.Status { return c.st }

// Engine exposes the protocol engine to transports created by the host.
func (c *Client) Engine() *syncengine.Engine { return c.engine }

// SyncAll performs a full sync of every non-bootstrap channel.
func (c *Client) SyncAll() error {
	var firstErr error
	for _, ch := range c.channels.Channels() {
		types := ch.SupportedTypes()
		if len(types) == 1 && types[0] == extension.TypeBootstrap {
			continue
		}
		if err := ch.Sync(types); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
