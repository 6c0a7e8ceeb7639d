// Package httpchan implements a transport channel that carries sync frames
// over HTTP POST: the request body is the client sync frame, the response
// body the server sync frame.
package httpchan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/failover"
)

// TransportProtocolID identifies the HTTP transport in access point lists.
const TransportProtocolID uint32 = 0x48545450 // "HTTP"

// syncPath is the server endpoint terminating sync traffic.
const syncPath = "/ep/sync"

// maxResponseSize caps the server sync frames this channel accepts.
const maxResponseSize = 8 << 20

// FailureHandler receives transport failures; the bootstrap manager's
// OnChannelFailure is the usual sink.
type FailureHandler func(ch channel.Channel, ap channel.AccessPoint, reason failover.Reason)

// SuccessHandler receives successful round trips.
type SuccessHandler func(ap channel.AccessPoint)

// Config assembles a Channel.
type Config struct {
	// ID names the channel; required and unique per endpoint.
	ID string

	// Types lists the extension types this channel carries.
	Types []extension.Type

	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client

	// RequestTimeout bounds one round trip. Required.
	RequestTimeout time.Duration

	// OnFailure and OnSuccess feed the failover path. Optional.
	OnFailure FailureHandler
	OnSuccess SuccessHandler
}

// Channel is an HTTP transport channel.
type Channel struct {
	id        string
	types     []extension.Type
	httpc     *http.Client
	timeout   time.Duration
	onFailure FailureHandler
	onSuccess SuccessHandler

	mu      sync.Mutex
	ap      *channel.AccessPoint
	builder channel.RequestBuilder
	closed  bool

	// syncMu serializes round trips so requests and responses stay 1:1 and
	// in order on this transport.
	syncMu sync.Mutex
}

// New returns an HTTP channel.
func New(cfg Config) (*Channel, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: channel id is required", errdefs.ErrBadParam)
	}
	if len(cfg.Types) == 0 {
		return nil, fmt.Errorf("%w: channel must support at least one extension type", errdefs.ErrBadParam)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("%w: request timeout is required", errdefs.ErrBadParam)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Channel{
		id:        cfg.ID,
		types:     append([]extension.Type(nil), cfg.Types...),
		httpc:     cfg.HTTPClient,
		timeout:   cfg.RequestTimeout,
		onFailure: cfg.OnFailure,
		onSuccess: cfg.OnSuccess,
	}, nil
}

// ID implements channel.Channel.
func (c *Channel) ID() string { return c.id }

// TransportProtocolID implements channel.Channel.
func (c *Channel) TransportProtocolID() uint32 { return TransportProtocolID }

// SupportedTypes implements channel.Channel.
func (c *Channel) SupportedTypes() []extension.Type {
	return append([]extension.Type(nil), c.types...)
}

// SetServer implements channel.Channel.
func (c *Channel) SetServer(ap channel.AccessPoint) error {
	if ap.Host == "" || ap.Port == 0 {
		return fmt.Errorf("%w: access point without host or port", errdefs.ErrBadParam)
	}
	c.mu.Lock()
	c.ap = &ap
	c.mu.Unlock()
	logger.Debug("channel server set", logger.KeyChannel, c.id, logger.KeyServer, ap.Addr())
	return nil
}

// SetRequestBuilder implements channel.Channel.
func (c *Channel) SetRequestBuilder(b channel.RequestBuilder) {
	c.mu.Lock()
	c.builder = b
	c.mu.Unlock()
}

// Sync implements channel.Channel: one POST round trip carrying the given
// extension types. Transport failures are reported to the failure handler
// and the in-flight request id is abandoned.
func (c *Channel) Sync(types []extension.Type) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel %s closed", errdefs.ErrInvalidState, c.id)
	}
	builder := c.builder
	ap := c.ap
	c.mu.Unlock()

	if builder == nil {
		return fmt.Errorf("%w: channel %s has no request builder", errdefs.ErrInvalidState, c.id)
	}
	if ap == nil {
		return fmt.Errorf("%w: channel %s has no server", errdefs.ErrNotFound, c.id)
	}

	buf, requestID, err := builder.SerializeClientSync(types)
	if err != nil {
		return err
	}

	respBody, err := c.roundTrip(*ap, buf)
	if err != nil {
		builder.AbandonRequest(requestID)
		reason := failover.ReasonTransportError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = failover.ReasonTimeout
			err = fmt.Errorf("%w: %v", errdefs.ErrTimeout, err)
		}
		if c.onFailure != nil {
			c.onFailure(c, *ap, reason)
		}
		return err
	}

	if err := builder.ProcessServerSync(respBody); err != nil {
		return err
	}
	if c.onSuccess != nil {
		c.onSuccess(*ap)
	}
	return nil
}

func (c *Channel) roundTrip(ap channel.AccessPoint, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", ap.Addr(), syncPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close implements channel.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
