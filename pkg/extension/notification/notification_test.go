package notification

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/channel/channeltest"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/wire"
)

func newTestExtension(t *testing.T) (*Extension, *status.Status, *channeltest.Fake) {
	t.Helper()
	st := status.New(filepath.Join(t.TempDir(), "endpoint.status"), nil)
	require.NoError(t, st.Load())

	mgr := channel.NewManager()
	ch := channeltest.New("fake", extension.TypeNotification)
	require.NoError(t, mgr.Add(ch))

	return New(st, mgr), st, ch
}

// respWriter builds one notification response payload.
type respWriter struct {
	w *wire.Writer
}

func newResponse(t *testing.T, respStatus uint32) *respWriter {
	t.Helper()
	w := wire.NewWriter(make([]byte, 8192))
	require.NoError(t, w.WriteUint32(respStatus))
	return &respWriter{w: w}
}

func (rw *respWriter) topics(t *testing.T, topics ...status.TopicState) *respWriter {
	t.Helper()
	require.NoError(t, rw.w.WriteUint32(uint32(len(topics))))
	for _, topic := range topics {
		require.NoError(t, rw.w.WriteUint64(topic.ID))
		require.NoError(t, rw.w.WriteByte(byte(topic.Kind)))
		require.NoError(t, rw.w.WriteByte(0))
		require.NoError(t, rw.w.WriteUint16(uint16(len(topic.Name))))
		require.NoError(t, rw.w.WriteAligned([]byte(topic.Name)))
	}
	return rw
}

func (rw *respWriter) notifications(t *testing.T, notifs ...Notification) *respWriter {
	t.Helper()
	require.NoError(t, rw.w.WriteUint32(uint32(len(notifs))))
	for _, n := range notifs {
		require.NoError(t, rw.w.WriteUint64(n.TopicID))
		require.NoError(t, rw.w.WriteUint32(n.Seq))
		require.NoError(t, rw.w.WriteUint16(uint16(len(n.UID))))
		require.NoError(t, rw.w.WriteUint16(0))
		require.NoError(t, rw.w.WriteUint32(uint32(len(n.Body))))
		require.NoError(t, rw.w.WriteAligned([]byte(n.UID)))
		require.NoError(t, rw.w.WriteAligned(n.Body))
	}
	return rw
}

func (rw *respWriter) bytes() []byte { return rw.w.Bytes() }

func handle(t *testing.T, e *Extension, payload []byte, options uint32) {
	t.Helper()
	require.NoError(t, e.HandleServerSync(wire.NewReader(payload), options, len(payload), 1))
}

func installTopics(t *testing.T, e *Extension) {
	t.Helper()
	payload := newResponse(t, statusDelta).topics(t,
		status.TopicState{ID: 1, Name: "alerts", Kind: status.SubscriptionMandatory},
		status.TopicState{ID: 2, Name: "news", Kind: status.SubscriptionOptional},
	).bytes()
	handle(t, e, payload, optTopics)
}

func TestTopicListUpdateFiresListener(t *testing.T) {
	e, st, _ := newTestExtension(t)

	var got []status.TopicState
	_, err := e.AddTopicListListener(func(topics []status.TopicState) { got = topics })
	require.NoError(t, err)

	installTopics(t, e)

	require.Len(t, got, 2)
	assert.Len(t, st.TopicStates(), 2)
	topics := e.Topics()
	assert.Equal(t, uint64(1), topics[0].ID)
	assert.Equal(t, "alerts", topics[0].Name)
}

func TestSubscriptionValidation(t *testing.T) {
	e, _, _ := newTestExtension(t)
	installTopics(t, e)

	assert.ErrorIs(t, e.SubscribeToTopics([]uint64{99}, false), errdefs.ErrNotFound)
	assert.ErrorIs(t, e.SubscribeToTopics([]uint64{1}, false), errdefs.ErrBadParam,
		"mandatory topics are subscribed by the server")
	assert.ErrorIs(t, e.UnsubscribeFromTopics([]uint64{1}, false), errdefs.ErrBadParam)
	assert.NoError(t, e.SubscribeToTopics([]uint64{2}, false))
}

func TestSubscriptionCommandsBatchUntilSync(t *testing.T) {
	e, _, ch := newTestExtension(t)
	installTopics(t, e)

	require.NoError(t, e.SubscribeToTopics([]uint64{2}, false))
	assert.Zero(t, ch.SyncCount())

	require.NoError(t, e.SyncSubscriptions())
	assert.Equal(t, 1, ch.SyncCount())

	require.NoError(t, e.UnsubscribeFromTopics([]uint64{2}, true))
	assert.Equal(t, 2, ch.SyncCount(), "force_sync ships immediately")
}

func TestAbandonedRequestReinjectsCommands(t *testing.T) {
	e, _, _ := newTestExtension(t)
	installTopics(t, e)
	require.NoError(t, e.SubscribeToTopics([]uint64{2}, false))

	size, err := e.RequestSize()
	require.NoError(t, err)
	w := wire.NewWriter(make([]byte, size))
	require.NoError(t, e.SerializeRequest(w, 5))

	// Command block present: options bit 1.
	options := uint32(w.Bytes()[1])<<16 | uint32(w.Bytes()[2])<<8 | uint32(w.Bytes()[3])
	assert.NotZero(t, options&optCommands)

	e.OnRequestAbandoned(5)

	w2 := wire.NewWriter(make([]byte, size))
	require.NoError(t, e.SerializeRequest(w2, 6))
	options = uint32(w2.Bytes()[1])<<16 | uint32(w2.Bytes()[2])<<8 | uint32(w2.Bytes()[3])
	assert.NotZero(t, options&optCommands, "commands resent after abandon")
}

func TestMulticastSequenceIsMonotonic(t *testing.T) {
	e, st, _ := newTestExtension(t)
	installTopics(t, e)

	var delivered []Notification
	_, err := e.AddNotificationListener(func(n Notification) { delivered = append(delivered, n) })
	require.NoError(t, err)

	payload := newResponse(t, statusDelta).notifications(t,
		Notification{TopicID: 1, Seq: 2, Body: []byte("two")},
	).bytes()
	handle(t, e, payload, optNotifications)
	require.Len(t, delivered, 1)

	topic, _ := st.Topic(1)
	assert.Equal(t, uint32(2), topic.Seq)

	// A notification with seq <= stored seq is ignored.
	payload = newResponse(t, statusDelta).notifications(t,
		Notification{TopicID: 1, Seq: 2, Body: []byte("replay")},
		Notification{TopicID: 1, Seq: 1, Body: []byte("older")},
	).bytes()
	handle(t, e, payload, optNotifications)
	assert.Len(t, delivered, 1, "stale multicast dropped")

	payload = newResponse(t, statusDelta).notifications(t,
		Notification{TopicID: 1, Seq: 3, Body: []byte("three")},
	).bytes()
	handle(t, e, payload, optNotifications)
	require.Len(t, delivered, 2)
	assert.Equal(t, []byte("three"), delivered[1].Body)
}

// Two responses each carrying unicast uid "u1": the application sees the
// notification once; a NO_DELTA response then clears the accepted set.
func TestUnicastDedupAcrossResponses(t *testing.T) {
	e, st, _ := newTestExtension(t)
	installTopics(t, e)

	var delivered []Notification
	_, err := e.AddNotificationListener(func(n Notification) { delivered = append(delivered, n) })
	require.NoError(t, err)

	unicast := Notification{TopicID: 2, Seq: 0, UID: "u1", Body: []byte("hello")}

	payload := newResponse(t, statusDelta).notifications(t, unicast).bytes()
	handle(t, e, payload, optNotifications)
	payload = newResponse(t, statusDelta).notifications(t, unicast).bytes()
	handle(t, e, payload, optNotifications)

	assert.Len(t, delivered, 1, "duplicate uid delivered exactly once")
	assert.ElementsMatch(t, []string{"u1"}, st.AcceptedUnicastUIDs())

	// NO_DELTA prunes the accepted set.
	handle(t, e, newResponse(t, statusNoDelta).bytes(), 0)
	assert.Empty(t, st.AcceptedUnicastUIDs())
}

func TestTopicScopedListener(t *testing.T) {
	e, _, _ := newTestExtension(t)
	installTopics(t, e)

	var scoped []Notification
	_, err := e.AddTopicNotificationListener(2, func(n Notification) { scoped = append(scoped, n) })
	require.NoError(t, err)

	_, err = e.AddTopicNotificationListener(99, func(Notification) {})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	payload := newResponse(t, statusDelta).notifications(t,
		Notification{TopicID: 1, Seq: 1, Body: []byte("alerts")},
		Notification{TopicID: 2, Seq: 0, UID: "u9", Body: []byte("news")},
	).bytes()
	handle(t, e, payload, optNotifications)

	require.Len(t, scoped, 1)
	assert.Equal(t, uint64(2), scoped[0].TopicID)
}

func TestRemoveListeners(t *testing.T) {
	e, _, _ := newTestExtension(t)

	id, err := e.AddNotificationListener(func(Notification) {})
	require.NoError(t, err)
	require.NoError(t, e.RemoveNotificationListener(id))
	assert.ErrorIs(t, e.RemoveNotificationListener(id), errdefs.ErrNotFound)

	tid, err := e.AddTopicListListener(func([]status.TopicState) {})
	require.NoError(t, err)
	require.NoError(t, e.RemoveTopicListListener(tid))
	assert.ErrorIs(t, e.RemoveTopicListListener(tid), errdefs.ErrNotFound)
}

func TestRequestCarriesTopicStates(t *testing.T) {
	e, _, _ := newTestExtension(t)
	installTopics(t, e)

	size, err := e.RequestSize()
	require.NoError(t, err)
	w := wire.NewWriter(make([]byte, size))
	require.NoError(t, e.SerializeRequest(w, 1))
	buf := w.Bytes()

	options := uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	assert.NotZero(t, options&optTopicStates)

	r := wire.NewReader(buf)
	_, _, _, err = r.ReadExtensionHeader()
	require.NoError(t, err)
	count, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)
	id, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id, "topic states sorted by id")
}
