// Package notification implements the notification extension: topic
// subscription state, multicast notifications ordered by per-topic sequence
// numbers, and unicast notifications deduplicated by uid.
package notification

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/wire"
)

// Request option bits.
const (
	optTopicStates  = 0x1
	optCommands     = 0x2
	optAcceptedUIDs = 0x4
)

// Response option bits.
const (
	optTopics        = 0x1
	optNotifications = 0x2
)

// Response status values.
const (
	statusNoDelta = 0
	statusDelta   = 1
)

// Subscription commands.
const (
	commandAdd    = 0
	commandRemove = 1
)

// Notification is one delivered notification.
type Notification struct {
	TopicID uint64
	Seq     uint32
	UID     string // empty for multicast
	Body    []byte
}

// Listener receives notifications after the topic state updates land.
type Listener func(n Notification)

// TopicListListener receives the full topic list whenever the server
// publishes a new one.
type TopicListListener func(topics []status.TopicState)

type command struct {
	op      uint8
	topicID uint64
}

type notificationListener struct {
	fn      Listener
	topicID *uint64 // nil = all topics
}

// Extension tracks topic state, pending subscription commands and accepted
// unicast notification uids.
type Extension struct {
	mu       sync.Mutex
	st       *status.Status
	channels *channel.Manager

	pendingCommands  []command
	inflightCommands map[uint32][]command

	topicListeners map[string]TopicListListener
	listeners      map[string]notificationListener
}

// New returns the notification extension.
func New(st *status.Status, channels *channel.Manager) *Extension {
	return &Extension{
		st:               st,
		channels:         channels,
		inflightCommands: make(map[uint32][]command),
		topicListeners:   make(map[string]TopicListListener),
		listeners:        make(map[string]notificationListener),
	}
}

// Type implements extension.Extension.
func (e *Extension) Type() extension.Type { return extension.TypeNotification }

// Topics returns the known topic table.
func (e *Extension) Topics() []status.TopicState {
	states := e.st.TopicStates()
	out := make([]status.TopicState, 0, len(states))
	for _, t := range states {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubscribeToTopics stages subscribe commands for the given optional topics.
// Unknown topics fail with ErrNotFound; mandatory topics are subscribed by
// the server and fail with ErrBadParam. With forceSync the commands ship
// immediately, otherwise they batch until SyncSubscriptions.
func (e *Extension) SubscribeToTopics(ids []uint64, forceSync bool) error {
	return e.stageCommands(ids, commandAdd, forceSync)
}

// UnsubscribeFromTopics stages unsubscribe commands. Constraints mirror
// SubscribeToTopics.
func (e *Extension) UnsubscribeFromTopics(ids []uint64, forceSync bool) error {
	return e.stageCommands(ids, commandRemove, forceSync)
}

func (e *Extension) stageCommands(ids []uint64, op uint8, forceSync bool) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no topic ids", errdefs.ErrBadParam)
	}
	for _, id := range ids {
		t, ok := e.st.Topic(id)
		if !ok {
			return fmt.Errorf("%w: topic %d", errdefs.ErrNotFound, id)
		}
		if t.Kind == status.SubscriptionMandatory {
			return fmt.Errorf("%w: topic %d subscription is mandatory", errdefs.ErrBadParam, id)
		}
	}

	e.mu.Lock()
	for _, id := range ids {
		e.pendingCommands = append(e.pendingCommands, command{op: op, topicID: id})
	}
	e.mu.Unlock()

	if forceSync {
		return e.SyncSubscriptions()
	}
	return nil
}

// SyncSubscriptions ships the batched subscription commands.
func (e *Extension) SyncSubscriptions() error {
	return e.channels.Sync(extension.TypeNotification)
}

// AddTopicListListener registers a topic list listener and returns its id.
func (e *Extension) AddTopicListListener(l TopicListListener) (string, error) {
	if l == nil {
		return "", fmt.Errorf("%w: nil listener", errdefs.ErrBadParam)
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.topicListeners[id] = l
	e.mu.Unlock()
	return id, nil
}

// RemoveTopicListListener drops a topic list listener.
func (e *Extension) RemoveTopicListListener(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.topicListeners[id]; !ok {
		return fmt.Errorf("%w: topic list listener %s", errdefs.ErrNotFound, id)
	}
	delete(e.topicListeners, id)
	return nil
}

// AddNotificationListener registers a listener for every topic.
func (e *Extension) AddNotificationListener(l Listener) (string, error) {
	return e.addListener(l, nil)
}

// AddTopicNotificationListener registers a listener for one topic.
func (e *Extension) AddTopicNotificationListener(topicID uint64, l Listener) (string, error) {
	if _, ok := e.st.Topic(topicID); !ok {
		return "", fmt.Errorf("%w: topic %d", errdefs.ErrNotFound, topicID)
	}
	return e.addListener(l, &topicID)
}

func (e *Extension) addListener(l Listener, topicID *uint64) (string, error) {
	if l == nil {
		return "", fmt.Errorf("%w: nil listener", errdefs.ErrBadParam)
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.listeners[id] = notificationListener{fn: l, topicID: topicID}
	e.mu.Unlock()
	return id, nil
}

// RemoveNotificationListener drops a notification listener.
func (e *Extension) RemoveNotificationListener(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[id]; !ok {
		return fmt.Errorf("%w: notification listener %s", errdefs.ErrNotFound, id)
	}
	delete(e.listeners, id)
	return nil
}

// NeedsSync implements extension.Extension. The notification extension
// always reports its topic state so the server can compute deltas.
func (e *Extension) NeedsSync() bool { return true }

// RequestSize implements extension.Extension.
func (e *Extension) RequestSize() (int, error) {
	topics := e.st.TopicStates()
	uids := e.st.AcceptedUnicastUIDs()

	e.mu.Lock()
	commands := len(e.pendingCommands)
	e.mu.Unlock()

	size := wire.ExtensionHeaderSize
	if len(topics) > 0 {
		size += 4 + len(topics)*12
	}
	if commands > 0 {
		size += 4 + commands*12
	}
	if len(uids) > 0 {
		size += 4
		for _, uid := range uids {
			size += 4 + wire.AlignedSize(len(uid))
		}
	}
	return size, nil
}

// SerializeRequest implements extension.Extension. Pending subscription
// commands are snapshotted under the sync request id; the snapshot is
// dropped on acknowledgement and reinjected if the request is abandoned.
func (e *Extension) SerializeRequest(w *wire.Writer, requestID uint32) error {
	topics := sortedTopics(e.st.TopicStates())
	uids := e.st.AcceptedUnicastUIDs()
	sort.Strings(uids)

	e.mu.Lock()
	commands := e.pendingCommands
	e.pendingCommands = nil
	if len(commands) > 0 {
		e.inflightCommands[requestID] = append(e.inflightCommands[requestID], commands...)
	}
	e.mu.Unlock()

	var options uint32
	payload := 0
	if len(topics) > 0 {
		options |= optTopicStates
		payload += 4 + len(topics)*12
	}
	if len(commands) > 0 {
		options |= optCommands
		payload += 4 + len(commands)*12
	}
	if len(uids) > 0 {
		options |= optAcceptedUIDs
		payload += 4
		for _, uid := range uids {
			payload += 4 + wire.AlignedSize(len(uid))
		}
	}

	if err := w.WriteExtensionHeader(uint8(extension.TypeNotification), options, uint32(payload)); err != nil {
		return err
	}

	if len(topics) > 0 {
		if err := w.WriteUint32(uint32(len(topics))); err != nil {
			return err
		}
		for _, t := range topics {
			if err := w.WriteUint64(t.ID); err != nil {
				return err
			}
			if err := w.WriteUint32(t.Seq); err != nil {
				return err
			}
		}
	}

	if len(commands) > 0 {
		if err := w.WriteUint32(uint32(len(commands))); err != nil {
			return err
		}
		for _, c := range commands {
			if err := w.WriteByte(c.op); err != nil {
				return err
			}
			if err := w.WriteByte(0); err != nil {
				return err
			}
			if err := w.WriteUint16(0); err != nil {
				return err
			}
			if err := w.WriteUint64(c.topicID); err != nil {
				return err
			}
		}
	}

	if len(uids) > 0 {
		if err := w.WriteUint32(uint32(len(uids))); err != nil {
			return err
		}
		for _, uid := range uids {
			if err := w.WriteUint32(uint32(len(uid))); err != nil {
				return err
			}
			if err := w.WriteAligned([]byte(uid)); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleServerSync applies topic and notification deltas, then fires
// listeners. A NO_DELTA status prunes the accepted-unicast set.
func (e *Extension) HandleServerSync(r *wire.Reader, options uint32, length int, requestID uint32) error {
	respStatus, err := r.ReadUint32()
	if err != nil {
		return err
	}

	var topicUpdate []status.TopicState
	if options&optTopics != 0 {
		topicUpdate, err = readTopics(r)
		if err != nil {
			return err
		}
		e.st.ReplaceTopics(topicUpdate)
	}

	var deliver []Notification
	if options&optNotifications != 0 {
		deliver, err = e.readNotifications(r)
		if err != nil {
			return err
		}
	}

	if respStatus == statusNoDelta {
		e.st.ClearAcceptedUnicastUIDs()
	}

	e.mu.Lock()
	delete(e.inflightCommands, requestID)
	topicListeners := make([]TopicListListener, 0, len(e.topicListeners))
	for _, l := range e.topicListeners {
		topicListeners = append(topicListeners, l)
	}
	listeners := make([]notificationListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	if topicUpdate != nil {
		for _, l := range topicListeners {
			listener := l
			safeCall(func() { listener(topicUpdate) })
		}
	}
	for _, n := range deliver {
		for _, l := range listeners {
			if l.topicID != nil && *l.topicID != n.TopicID {
				continue
			}
			listener, notif := l.fn, n
			safeCall(func() { listener(notif) })
		}
	}
	return nil
}

func readTopics(r *wire.Reader) ([]status.TopicState, error) {
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	topics := make([]status.TopicState, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if _, err := r.ReadByte(); err != nil { // reserved
			return nil, err
		}
		nameLen, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		name, err := r.ReadAligned(int(nameLen))
		if err != nil {
			return nil, err
		}
		topics = append(topics, status.TopicState{
			ID:   id,
			Name: string(name),
			Kind: status.SubscriptionKind(kind),
		})
	}
	return topics, nil
}

// readNotifications parses the notification block and filters it down to
// the ones the application should see: unicast notifications not yet
// accepted, and multicast notifications newer than the stored topic
// sequence.
func (e *Extension) readNotifications(r *wire.Reader) ([]Notification, error) {
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	multicast := make([]Notification, 0, count)
	deliver := make([]Notification, 0, count)
	for i := uint32(0); i < count; i++ {
		topicID, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		seq, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		uidLen, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		if _, err := r.ReadUint16(); err != nil { // reserved
			return nil, err
		}
		bodyLen, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		uid, err := r.ReadAligned(int(uidLen))
		if err != nil {
			return nil, err
		}
		body, err := r.ReadAligned(int(bodyLen))
		if err != nil {
			return nil, err
		}

		n := Notification{TopicID: topicID, Seq: seq, UID: string(uid), Body: body}
		if n.UID != "" {
			if e.st.AddAcceptedUnicastUID(n.UID) {
				deliver = append(deliver, n)
			} else {
				logger.Debug("duplicate unicast notification ignored", "uid", n.UID)
			}
			continue
		}
		multicast = append(multicast, n)
	}

	sort.Slice(multicast, func(i, j int) bool { return multicast[i].Seq < multicast[j].Seq })
	for _, n := range multicast {
		t, ok := e.st.Topic(n.TopicID)
		if !ok {
			logger.Warn("notification for unknown topic ignored", logger.KeyTopicID, n.TopicID)
			continue
		}
		if n.Seq <= t.Seq {
			logger.Debug("stale multicast notification ignored",
				logger.KeyTopicID, n.TopicID, logger.KeySeq, n.Seq)
			continue
		}
		if err := e.st.SetTopicSequence(n.TopicID, n.Seq); err != nil {
			return nil, err
		}
		deliver = append(deliver, n)
	}
	return deliver, nil
}

// OnRequestAbandoned reinjects subscription commands snapshotted under an
// abandoned request.
func (e *Extension) OnRequestAbandoned(requestID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot, ok := e.inflightCommands[requestID]
	if !ok {
		return
	}
	delete(e.inflightCommands, requestID)
	e.pendingCommands = append(snapshot, e.pendingCommands...)
}

// Close implements extension.Extension.
func (e *Extension) Close() error { return nil }

func sortedTopics(states map[uint64]status.TopicState) []status.TopicState {
	out := make([]status.TopicState, 0, len(states))
	for _, t := range states {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("notification callback panicked", logger.KeyError, fmt.Sprint(rec))
		}
	}()
	fn()
}
