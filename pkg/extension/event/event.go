// Package event implements the event extension: an outbound queue of
// user-defined events with per-endpoint sequence numbers, event family
// dispatch for inbound events, and resolution of event listeners by FQN.
package event

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/keys"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/wire"
)

// Extension option bits. Bit 0 flags events, bit 1 flags listener requests
// on the request side and listener responses on the response side.
const (
	optEvents    = 0x1
	optListeners = 0x2
)

const resultSuccess = 0

// Event is one user-defined event in flight.
type Event struct {
	Seq    uint32
	FQN    string
	Data   []byte
	Target string // empty = broadcast
	Source string // set on inbound events only
}

// Family is one event family: it names the FQNs it consumes and receives
// every matching inbound event.
type Family interface {
	SupportedFQNs() []string
	OnEvent(fqn string, data []byte, source string)
}

// ListenersCallback resolves a FindEventListeners call.
type ListenersCallback interface {
	// OnListenersReceived delivers the endpoint key hashes listening to the
	// requested FQNs.
	OnListenersReceived(listeners []keys.Digest)

	// OnRequestFailed reports a server-side resolution failure.
	OnRequestFailed()
}

type listenerRequest struct {
	fqns []string
	cb   ListenersCallback
}

// Extension carries the outbound event queue and the listener-request map.
type Extension struct {
	mu       sync.Mutex
	st       *status.Status
	channels *channel.Manager

	pending  []Event
	inflight map[uint32][]Event // keyed by sync request id

	listenerReqs map[uint32]*listenerRequest // keyed by client-allocated id
	families     []Family

	trx map[uuid.UUID][]Event
}

// New returns the event extension.
func New(st *status.Status, channels *channel.Manager) *Extension {
	return &Extension{
		st:           st,
		channels:     channels,
		inflight:     make(map[uint32][]Event),
		listenerReqs: make(map[uint32]*listenerRequest),
		trx:          make(map[uuid.UUID][]Event),
	}
}

// Type implements extension.Extension.
func (e *Extension) Type() extension.Type { return extension.TypeEvent }

// RegisterFamily adds an event family. Inbound events are offered to every
// family whose supported FQN set contains the event's FQN.
func (e *Extension) RegisterFamily(f Family) error {
	if f == nil {
		return fmt.Errorf("%w: nil event family", errdefs.ErrBadParam)
	}
	e.mu.Lock()
	e.families = append(e.families, f)
	e.mu.Unlock()
	return nil
}

// ProduceEvent queues one event for delivery and schedules an event sync.
// The sequence number is allocated immediately and persists across restarts.
func (e *Extension) ProduceEvent(fqn string, data []byte, target string) error {
	if fqn == "" || len(data) == 0 {
		return fmt.Errorf("%w: event fqn and data are required", errdefs.ErrBadParam)
	}

	ev := Event{
		Seq:    e.st.AdvanceSequence(uint8(extension.TypeEvent)),
		FQN:    fqn,
		Data:   append([]byte(nil), data...),
		Target: target,
	}
	e.mu.Lock()
	e.pending = append(e.pending, ev)
	e.mu.Unlock()

	if err := e.channels.Sync(extension.TypeEvent); err != nil {
		logger.Warn("event sync postponed", logger.KeyError, err)
	}
	return nil
}

// FindEventListeners stages a listener resolution request for the given
// FQNs and returns the client-allocated request id.
func (e *Extension) FindEventListeners(fqns []string, cb ListenersCallback) (uint32, error) {
	if len(fqns) == 0 || cb == nil {
		return 0, fmt.Errorf("%w: fqns and callback are required", errdefs.ErrBadParam)
	}

	id := newListenerRequestID()
	e.mu.Lock()
	for _, taken := e.listenerReqs[id]; taken; _, taken = e.listenerReqs[id] {
		id = newListenerRequestID()
	}
	e.listenerReqs[id] = &listenerRequest{fqns: append([]string(nil), fqns...), cb: cb}
	e.mu.Unlock()

	if err := e.channels.Sync(extension.TypeEvent); err != nil {
		logger.Warn("event listener resolution postponed", logger.KeyError, err)
	}
	return id, nil
}

func newListenerRequestID() uint32 {
	id := uuid.New()
	v := binary.BigEndian.Uint32(id[:4])
	if v == 0 {
		v = 1
	}
	return v
}

// NeedsSync implements extension.Extension.
func (e *Extension) NeedsSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) > 0 || len(e.listenerReqs) > 0
}

// RequestSize implements extension.Extension.
func (e *Extension) RequestSize() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	size := wire.ExtensionHeaderSize
	if len(e.pending) > 0 {
		size += 4
		for _, ev := range e.pending {
			size += 12 + wire.AlignedSize(len(ev.FQN)) + wire.AlignedSize(len(ev.Target)) + wire.AlignedSize(len(ev.Data))
		}
	}
	if len(e.listenerReqs) > 0 {
		size += 4
		for _, req := range e.listenerReqs {
			size += 8
			for _, fqn := range req.fqns {
				size += 4 + wire.AlignedSize(len(fqn))
			}
		}
	}
	return size, nil
}

// SerializeRequest implements extension.Extension. Pending events are moved
// into the in-flight snapshot keyed by the sync request id; they are dropped
// on acknowledgement and reinjected if the request is abandoned.
func (e *Extension) SerializeRequest(w *wire.Writer, requestID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var options uint32
	payload := 0
	if len(e.pending) > 0 {
		options |= optEvents
		payload += 4
		for _, ev := range e.pending {
			payload += 12 + wire.AlignedSize(len(ev.FQN)) + wire.AlignedSize(len(ev.Target)) + wire.AlignedSize(len(ev.Data))
		}
	}
	if len(e.listenerReqs) > 0 {
		options |= optListeners
		payload += 4
		for _, req := range e.listenerReqs {
			payload += 8
			for _, fqn := range req.fqns {
				payload += 4 + wire.AlignedSize(len(fqn))
			}
		}
	}

	if err := w.WriteExtensionHeader(uint8(extension.TypeEvent), options, uint32(payload)); err != nil {
		return err
	}

	if options&optEvents != 0 {
		if err := w.WriteUint32(uint32(len(e.pending))); err != nil {
			return err
		}
		for _, ev := range e.pending {
			if err := writeEvent(w, ev); err != nil {
				return err
			}
		}
	}

	if options&optListeners != 0 {
		if err := w.WriteUint32(uint32(len(e.listenerReqs))); err != nil {
			return err
		}
		ids := make([]uint32, 0, len(e.listenerReqs))
		for id := range e.listenerReqs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			req := e.listenerReqs[id]
			if err := w.WriteUint32(id); err != nil {
				return err
			}
			if err := w.WriteUint32(uint32(len(req.fqns))); err != nil {
				return err
			}
			for _, fqn := range req.fqns {
				if err := w.WriteUint16(uint16(len(fqn))); err != nil {
					return err
				}
				if err := w.WriteUint16(0); err != nil {
					return err
				}
				if err := w.WriteAligned([]byte(fqn)); err != nil {
					return err
				}
			}
		}
	}

	if len(e.pending) > 0 {
		e.inflight[requestID] = append(e.inflight[requestID], e.pending...)
		e.pending = nil
	}
	return nil
}

func writeEvent(w *wire.Writer, ev Event) error {
	if err := w.WriteUint32(ev.Seq); err != nil {
		return err
	}
	if err := w.WriteUint16(uint16(len(ev.FQN))); err != nil {
		return err
	}
	if err := w.WriteUint16(uint16(len(ev.Target))); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(len(ev.Data))); err != nil {
		return err
	}
	if err := w.WriteAligned([]byte(ev.FQN)); err != nil {
		return err
	}
	if err := w.WriteAligned([]byte(ev.Target)); err != nil {
		return err
	}
	return w.WriteAligned(ev.Data)
}

// HandleServerSync dispatches inbound events (sorted by sequence number) to
// the registered families and resolves pending listener requests.
func (e *Extension) HandleServerSync(r *wire.Reader, options uint32, length int, requestID uint32) error {
	if options&optEvents != 0 {
		count, err := r.ReadUint32()
		if err != nil {
			return err
		}
		events := make([]Event, 0, count)
		for i := uint32(0); i < count; i++ {
			ev, err := readEvent(r)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
		for _, ev := range events {
			e.dispatchEvent(ev)
		}
	}

	if options&optListeners != 0 {
		count, err := r.ReadUint32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			if err := e.handleListenerResponse(r); err != nil {
				return err
			}
		}
	}

	// The request carrying this response's events is acknowledged.
	e.mu.Lock()
	delete(e.inflight, requestID)
	e.mu.Unlock()
	return nil
}

func readEvent(r *wire.Reader) (Event, error) {
	var ev Event
	seq, err := r.ReadUint32()
	if err != nil {
		return ev, err
	}
	fqnLen, err := r.ReadUint16()
	if err != nil {
		return ev, err
	}
	sourceLen, err := r.ReadUint16()
	if err != nil {
		return ev, err
	}
	dataLen, err := r.ReadUint32()
	if err != nil {
		return ev, err
	}
	fqn, err := r.ReadAligned(int(fqnLen))
	if err != nil {
		return ev, err
	}
	source, err := r.ReadAligned(int(sourceLen))
	if err != nil {
		return ev, err
	}
	data, err := r.ReadAligned(int(dataLen))
	if err != nil {
		return ev, err
	}
	return Event{Seq: seq, FQN: string(fqn), Data: data, Source: string(source)}, nil
}

func (e *Extension) handleListenerResponse(r *wire.Reader) error {
	id, err := r.ReadUint32()
	if err != nil {
		return err
	}
	result, err := r.ReadUint16()
	if err != nil {
		return err
	}
	count, err := r.ReadUint16()
	if err != nil {
		return err
	}
	listeners := make([]keys.Digest, 0, count)
	for i := uint16(0); i < count; i++ {
		raw, err := r.ReadAligned(keys.DigestLength)
		if err != nil {
			return err
		}
		var d keys.Digest
		copy(d[:], raw)
		listeners = append(listeners, d)
	}

	e.mu.Lock()
	req, ok := e.listenerReqs[id]
	delete(e.listenerReqs, id)
	e.mu.Unlock()

	if !ok {
		logger.Warn("no requester for event listener response", logger.KeyRequestID, id)
		return nil
	}
	safeCall(func() {
		if result == resultSuccess {
			req.cb.OnListenersReceived(listeners)
		} else {
			req.cb.OnRequestFailed()
		}
	})
	return nil
}

func (e *Extension) dispatchEvent(ev Event) {
	e.mu.Lock()
	families := append([]Family(nil), e.families...)
	e.mu.Unlock()

	processed := false
	for _, f := range families {
		for _, fqn := range f.SupportedFQNs() {
			if fqn == ev.FQN {
				family := f
				safeCall(func() { family.OnEvent(ev.FQN, ev.Data, ev.Source) })
				processed = true
				break
			}
		}
	}
	if !processed {
		logger.Warn("no event family for inbound event", "fqn", ev.FQN)
	}
}

// OnRequestAbandoned reinjects the events snapshotted under an abandoned
// request in front of the queue, preserving sequence order.
func (e *Extension) OnRequestAbandoned(requestID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot, ok := e.inflight[requestID]
	if !ok {
		return
	}
	delete(e.inflight, requestID)
	e.pending = append(snapshot, e.pending...)
}

// Close implements extension.Extension.
func (e *Extension) Close() error { return nil }

func safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("event callback panicked", logger.KeyError, fmt.Sprint(rec))
		}
	}()
	fn()
}
