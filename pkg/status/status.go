// Package status owns the durable endpoint state: identity, registration and
// attachment flags, per-service sequence numbers, topic subscription state and
// the accepted-unicast-notification set.
//
// All fields live behind a single mutex and never cross the package boundary
// by reference. The platform protocol engine calls Save exactly once per
// successfully processed server sync; extensions mutate the in-memory state
// through the typed accessors.
package status

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/keys"
)

// SubscriptionKind classifies a topic subscription.
type SubscriptionKind uint8

const (
	// SubscriptionMandatory topics are subscribed by the server; the endpoint
	// cannot unsubscribe.
	SubscriptionMandatory SubscriptionKind = 0

	// SubscriptionOptional topics require an explicit subscribe command.
	SubscriptionOptional SubscriptionKind = 1
)

// TopicState is the per-topic slice of the durable state.
type TopicState struct {
	ID   uint64
	Name string
	Kind SubscriptionKind
	Seq  uint32
}

// MaxAcceptedUIDs bounds the accepted-unicast set. The set is cleared when
// the server reports no delta, so the bound only matters for endpoints that
// never reach a quiet sync.
const MaxAcceptedUIDs = 512

// Status is the in-memory cache of the persisted endpoint state.
type Status struct {
	mu    sync.Mutex
	path  string
	store Persistence

	endpointKeyHash keys.Digest
	hasKeyHash      bool
	profileHash     keys.Digest
	hasProfileHash  bool

	registered     bool
	attached       bool
	attachedUserID string
	accessToken    string

	seqs         map[uint8]uint32
	topics       map[uint64]TopicState
	acceptedUIDs map[string]struct{}

	// Fields with tags this build does not understand, carried verbatim so
	// a newer build's state survives a downgrade.
	unknown []rawField
}

// New returns a Status bound to path. Pass a nil Persistence to use the
// local filesystem. Call Load before first use.
func New(path string, store Persistence) *Status {
	if store == nil {
		store = FilePersistence{}
	}
	return &Status{
		path:         path,
		store:        store,
		seqs:         make(map[uint8]uint32),
		topics:       make(map[uint64]TopicState),
		acceptedUIDs: make(map[string]struct{}),
	}
}

// Load reads the persisted blob. A missing file yields a fresh status; a
// corrupted file is discarded with a warning and also yields a fresh status.
// Either way the endpoint access token is present afterwards.
func (s *Status) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Read(s.path)
	switch {
	case err == nil:
		if err := s.unmarshal(data); err != nil {
			logger.Warn("endpoint status corrupted, starting fresh", "path", s.path, logger.KeyError, err)
			s.reset()
		}
	case isNotFound(err):
		// First boot.
	default:
		return fmt.Errorf("%w: %v", errdefs.ErrReadFailed, err)
	}

	if s.accessToken == "" {
		s.accessToken = uuid.NewString()
	}
	return nil
}

// Save writes the blob through the persistence layer.
func (s *Status) Save() error {
	s.mu.Lock()
	data := s.marshal()
	path := s.path
	store := s.store
	s.mu.Unlock()

	if err := store.Write(path, data); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWriteFailed, err)
	}
	return nil
}

func (s *Status) reset() {
	s.hasKeyHash = false
	s.hasProfileHash = false
	s.registered = false
	s.attached = false
	s.attachedUserID = ""
	s.accessToken = ""
	s.seqs = make(map[uint8]uint32)
	s.topics = make(map[uint64]TopicState)
	s.acceptedUIDs = make(map[string]struct{})
	s.unknown = nil
}

// EndpointKeyHash returns the endpoint public key hash and whether it is set.
func (s *Status) EndpointKeyHash() (keys.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpointKeyHash, s.hasKeyHash
}

// SetEndpointKeyHash sets the endpoint id. The hash is write-once; a second
// call fails with ErrAlreadyExists.
func (s *Status) SetEndpointKeyHash(d keys.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasKeyHash {
		return fmt.Errorf("%w: endpoint key hash", errdefs.ErrAlreadyExists)
	}
	s.endpointKeyHash = d
	s.hasKeyHash = true
	return nil
}

// ProfileHash returns the last reported profile hash. The second return is
// false until a profile has been reported at least once since registration.
func (s *Status) ProfileHash() (keys.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileHash, s.hasProfileHash
}

// SetProfileHash records the hash of the profile confirmed by the server.
func (s *Status) SetProfileHash(d keys.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profileHash = d
	s.hasProfileHash = true
}

// IsRegistered reports whether the server acknowledged registration.
func (s *Status) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// SetRegistered flips the registration flag.
func (s *Status) SetRegistered(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = v
}

// Attachment returns the attachment flag and the attached user's external id.
func (s *Status) Attachment() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached, s.attachedUserID
}

// SetAttached records a successful user attachment.
func (s *Status) SetAttached(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = true
	s.attachedUserID = userID
}

// SetDetached clears the attachment state.
func (s *Status) SetDetached() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
	s.attachedUserID = ""
}

// EndpointAccessToken returns the endpoint-scoped access token generated at
// first boot.
func (s *Status) EndpointAccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// SetEndpointAccessToken replaces the endpoint access token with one issued
// by the host.
func (s *Status) SetEndpointAccessToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty access token", errdefs.ErrBadParam)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
	return nil
}

// SequenceNumber returns the counter for the given service.
func (s *Status) SequenceNumber(service uint8) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[service]
}

// SetSequenceNumber advances the counter for the given service. Counters are
// non-decreasing; a smaller value fails with ErrBadOrder.
func (s *Status) SetSequenceNumber(service uint8, v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < s.seqs[service] {
		return fmt.Errorf("%w: service %d sequence %d < %d", errdefs.ErrBadOrder, service, v, s.seqs[service])
	}
	s.seqs[service] = v
	return nil
}

// AdvanceSequence increments and returns the counter for the given service.
func (s *Status) AdvanceSequence(service uint8) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[service]++
	return s.seqs[service]
}

// TopicStates returns a copy of the topic subscription table.
func (s *Status) TopicStates() map[uint64]TopicState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]TopicState, len(s.topics))
	for id, t := range s.topics {
		out[id] = t
	}
	return out
}

// Topic returns the state of a single topic.
func (s *Status) Topic(id uint64) (TopicState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	return t, ok
}

// ReplaceTopics installs a new topic table, preserving known sequence
// numbers for topics present in both tables.
func (s *Status) ReplaceTopics(topics []TopicState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[uint64]TopicState, len(topics))
	for _, t := range topics {
		if old, ok := s.topics[t.ID]; ok && t.Seq < old.Seq {
			t.Seq = old.Seq
		}
		next[t.ID] = t
	}
	s.topics = next
}

// SetTopicSequence advances a topic's sequence number. Per-topic sequences
// are monotonic; a smaller value fails with ErrBadOrder.
func (s *Status) SetTopicSequence(id uint64, seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		return fmt.Errorf("%w: topic %d", errdefs.ErrNotFound, id)
	}
	if seq < t.Seq {
		return fmt.Errorf("%w: topic %d sequence %d < %d", errdefs.ErrBadOrder, id, seq, t.Seq)
	}
	t.Seq = seq
	s.topics[id] = t
	return nil
}

// AddAcceptedUnicastUID records a delivered unicast notification uid.
// Returns false if the uid was already present.
func (s *Status) AddAcceptedUnicastUID(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.acceptedUIDs[uid]; ok {
		return false
	}
	if len(s.acceptedUIDs) >= MaxAcceptedUIDs {
		for k := range s.acceptedUIDs {
			delete(s.acceptedUIDs, k)
			break
		}
	}
	s.acceptedUIDs[uid] = struct{}{}
	return true
}

// AcceptedUnicastUIDs returns the uids to acknowledge on the next sync.
func (s *Status) AcceptedUnicastUIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.acceptedUIDs))
	for uid := range s.acceptedUIDs {
		out = append(out, uid)
	}
	return out
}

// ClearAcceptedUnicastUIDs prunes the accepted set. Called when the server
// reports no notification delta.
func (s *Status) ClearAcceptedUnicastUIDs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptedUIDs = make(map[string]struct{})
}
