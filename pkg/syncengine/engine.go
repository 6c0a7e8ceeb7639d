// Package syncengine implements the platform protocol engine: it builds
// outbound client sync frames from the enabled extensions and dispatches
// inbound server sync frames back to them.
package syncengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/metrics"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/wire"
)

// DefaultSyncTimeout is the request timeout carried in the metadata
// extension when the host does not configure one.
const DefaultSyncTimeout = 60 * time.Second

// Allocator provides the request buffer. The default allocator is make;
// constrained hosts may serve buffers from a pool.
type Allocator func(size int) []byte

// Config assembles an Engine.
type Config struct {
	Status   *status.Status
	Registry *extension.Registry

	// AppToken is the compiled application token; exactly AppTokenLength
	// bytes.
	AppToken string

	// SyncTimeout overrides DefaultSyncTimeout.
	SyncTimeout time.Duration

	// Allocator overrides the built-in buffer allocator.
	Allocator Allocator

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.SyncMetrics
}

// Engine owns the outbound request id and the two halves of a sync.
//
// The engine is single-threaded per sync but permits concurrent syncs across
// distinct transports: only the request id counter and the abandoned set sit
// behind the engine mutex, extension state is guarded by per-extension locks.
type Engine struct {
	status   *status.Status
	reg      *extension.Registry
	appToken [AppTokenLength]byte
	timeout  time.Duration
	alloc    Allocator
	m        *metrics.SyncMetrics

	mu        sync.Mutex
	requestID uint32
	abandoned map[uint32]struct{}
	broken    bool
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Status == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("%w: status and registry are required", errdefs.ErrBadParam)
	}
	if len(cfg.AppToken) != AppTokenLength {
		return nil, fmt.Errorf("%w: application token must be %d bytes, got %d",
			errdefs.ErrBadParam, AppTokenLength, len(cfg.AppToken))
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.Allocator == nil {
		cfg.Allocator = func(size int) []byte { return make([]byte, size) }
	}

	e := &Engine{
		status:    cfg.Status,
		reg:       cfg.Registry,
		timeout:   cfg.SyncTimeout,
		alloc:     cfg.Allocator,
		m:         cfg.Metrics,
		abandoned: make(map[uint32]struct{}),
	}
	copy(e.appToken[:], cfg.AppToken)
	return e, nil
}

// Timeout returns the per-request timeout carried in the metadata extension.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// SerializeClientSync builds one client sync frame covering the given
// services, in caller order, and returns the request id carried in its
// metadata extension. Services whose extension reports nothing to sync are
// skipped. The request id advances only when the whole frame serialized
// successfully.
func (e *Engine) SerializeClientSync(services []extension.Type) ([]byte, uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken {
		return nil, 0, fmt.Errorf("%w: sync session broken by protocol mismatch", errdefs.ErrInvalidState)
	}

	nextID := e.requestID + 1
	if nextID == 0 { // u32 wrap; id 0 is reserved for "no request"
		nextID = 1
	}

	size := wire.HeaderSize + metaRequestSize
	enabled := make([]extension.Extension, 0, len(services))
	for _, t := range services {
		ext, ok := e.reg.Get(t)
		if !ok {
			logger.Debug("service not registered, skipping", logger.KeyExtension, t.String())
			continue
		}
		if !ext.NeedsSync() {
			continue
		}
		extSize, err := ext.RequestSize()
		if err != nil {
			return nil, 0, fmt.Errorf("sizing %s extension: %w", t, err)
		}
		size += extSize
		enabled = append(enabled, ext)
	}

	buf := e.alloc(size)
	if buf == nil || len(buf) < size {
		return nil, 0, fmt.Errorf("%w: request buffer of %d bytes", errdefs.ErrNoMem, size)
	}

	w := wire.NewWriter(buf)
	if err := w.WriteHeader(wire.ProtocolID, wire.ProtocolVersion); err != nil {
		return nil, 0, err
	}
	if err := e.writeMeta(w, nextID); err != nil {
		return nil, 0, err
	}
	count := uint16(1)
	for _, ext := range enabled {
		if err := ext.SerializeRequest(w, nextID); err != nil {
			// Extensions serialized so far may have snapshotted pending
			// state under nextID; hand it back since the frame is dropped.
			e.notifyAbandoners(nextID)
			return nil, 0, fmt.Errorf("serializing %s extension: %w", ext.Type(), err)
		}
		count++
	}
	if err := w.PatchExtensionCount(count); err != nil {
		return nil, 0, err
	}

	e.requestID = nextID
	e.m.RecordRequestBytes(w.Len())
	logger.Debug("client sync serialized",
		logger.KeyRequestID, nextID, logger.KeyCount, count, logger.KeySize, w.Len())
	return w.Bytes(), nextID, nil
}

// ProcessServerSync parses one server sync frame and dispatches each
// extension record to its handler in buffer order. Status is saved only when
// every handler succeeded; any handler error leaves the persisted state
// untouched and is surfaced to the caller. An unknown extension type is
// logged and skipped.
func (e *Engine) ProcessServerSync(buf []byte) error {
	if e.isBroken() {
		return fmt.Errorf("%w: sync session broken by protocol mismatch", errdefs.ErrInvalidState)
	}

	r := wire.NewReader(buf)
	if _, err := r.ReadHeader(); err != nil {
		if errdefs.IsFatalProtocol(err) {
			e.setBroken()
			logger.Error("server sync rejected, session disabled", logger.KeyError, err)
		}
		e.m.RecordSync(false)
		return err
	}

	var requestID uint32
	for r.Has(wire.ExtensionHeaderSize) {
		extType, options, payloadLen, err := r.ReadExtensionHeader()
		if err != nil {
			e.m.RecordSync(false)
			return err
		}
		payload, err := r.ReadAligned(int(payloadLen))
		if err != nil {
			e.m.RecordSync(false)
			return fmt.Errorf("reading %s extension payload: %w", extension.Type(extType), err)
		}

		t := extension.Type(extType)
		if t == extension.TypeMetadata {
			sub := wire.NewReader(payload)
			requestID, err = sub.ReadUint32()
			if err != nil {
				e.m.RecordSync(false)
				return fmt.Errorf("reading echoed request id: %w", err)
			}
			if e.consumeAbandoned(requestID) {
				logger.Info("dropping late response for abandoned request", logger.KeyRequestID, requestID)
				return nil
			}
			continue
		}

		ext, ok := e.reg.Get(t)
		if !ok {
			logger.Warn("unsupported extension in server sync, skipping",
				logger.KeyExtension, t.String(), logger.KeySize, payloadLen)
			continue
		}
		if err := ext.HandleServerSync(wire.NewReader(payload), options, int(payloadLen), requestID); err != nil {
			e.m.RecordExtensionFailure(t.String())
			e.m.RecordSync(false)
			return fmt.Errorf("%s extension rejected server sync: %w", t, err)
		}
	}

	if err := e.status.Save(); err != nil {
		e.m.RecordSync(false)
		return err
	}
	e.m.RecordSync(true)
	e.m.RecordResponseBytes(len(buf))
	logger.Debug("server sync processed", logger.KeyRequestID, requestID, logger.KeySize, len(buf))
	return nil
}

// AbandonRequest marks an in-flight request id as abandoned: a late response
// echoing it is dropped, and extensions holding per-request snapshots
// reinject them.
func (e *Engine) AbandonRequest(requestID uint32) {
	if requestID == 0 {
		return
	}
	e.mu.Lock()
	if len(e.abandoned) >= 1024 {
		e.abandoned = make(map[uint32]struct{})
	}
	e.abandoned[requestID] = struct{}{}
	e.mu.Unlock()

	e.notifyAbandoners(requestID)
	logger.Info("request abandoned", logger.KeyRequestID, requestID)
}

func (e *Engine) notifyAbandoners(requestID uint32) {
	for _, ext := range e.reg.All() {
		if a, ok := ext.(extension.Abandoner); ok {
			a.OnRequestAbandoned(requestID)
		}
	}
}

// RequestID returns the id of the most recently serialized request.
func (e *Engine) RequestID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestID
}

// Reset re-enables a session disabled by a protocol mismatch. Call after
// reconfiguring the endpoint.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broken = false
}

func (e *Engine) consumeAbandoned(requestID uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.abandoned[requestID]; ok {
		delete(e.abandoned, requestID)
		return true
	}
	return false
}

func (e *Engine) isBroken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken
}

func (e *Engine) setBroken() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broken = true
}
