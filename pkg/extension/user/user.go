// Package user implements the user extension: attaching the endpoint to an
// external user by id and access token, and delivering attach/detach
// notifications pushed by the server.
package user

import (
	"fmt"
	"sync"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/wire"
)

// optAttachRequest marks a request carrying an attach command.
const optAttachRequest = 0x1

// Response field codes. A response payload is a sequence of fields, each
// introduced by one of these.
const (
	fieldAttachResponse     = 0
	fieldAttachNotification = 1
	fieldDetachNotification = 2
)

const resultSuccess = 0

// Listeners receives attachment callbacks. Nil members are skipped. Panics
// inside a callback are logged and swallowed.
type Listeners struct {
	// OnAttached fires when the server attaches this endpoint to a user.
	OnAttached func(userExternalID, accessToken string)

	// OnDetached fires when the server detaches this endpoint.
	OnDetached func(accessToken string)

	// OnResponse answers a pending AttachToUser call.
	OnResponse func(attached bool)
}

// Executor runs user callbacks. The default executor runs them inline on the
// sync goroutine.
type Executor func(fn func())

type attachRequest struct {
	userID string
	token  string
}

// Extension holds one pending attach request and the attachment listeners.
type Extension struct {
	mu        sync.Mutex
	st        *status.Status
	channels  *channel.Manager
	pending   *attachRequest
	listeners Listeners
	exec      Executor
}

// New returns the user extension.
func New(st *status.Status, channels *channel.Manager) *Extension {
	return &Extension{
		st:       st,
		channels: channels,
		exec:     func(fn func()) { fn() },
	}
}

// Type implements extension.Extension.
func (e *Extension) Type() extension.Type { return extension.TypeUser }

// SetExecutor routes callbacks through a host-provided executor.
func (e *Extension) SetExecutor(exec Executor) {
	if exec == nil {
		return
	}
	e.mu.Lock()
	e.exec = exec
	e.mu.Unlock()
}

// SetListeners installs the attachment listeners.
func (e *Extension) SetListeners(l Listeners) {
	e.mu.Lock()
	e.listeners = l
	e.mu.Unlock()
}

// AttachToUser stages an attach request and schedules a user sync. The
// request stays pending until the server answers; retried syncs resend it.
func (e *Extension) AttachToUser(userExternalID, accessToken string) error {
	if userExternalID == "" || accessToken == "" {
		return fmt.Errorf("%w: user id and access token are required", errdefs.ErrBadParam)
	}
	if len(userExternalID) > 0xFF {
		return fmt.Errorf("%w: user id longer than 255 bytes", errdefs.ErrBadParam)
	}
	if len(accessToken) > 0xFFFF {
		return fmt.Errorf("%w: access token longer than 65535 bytes", errdefs.ErrBadParam)
	}

	e.mu.Lock()
	e.pending = &attachRequest{userID: userExternalID, token: accessToken}
	e.mu.Unlock()

	if err := e.channels.Sync(extension.TypeUser); err != nil {
		logger.Warn("user sync postponed", logger.KeyError, err)
	}
	return nil
}

// NeedsSync implements extension.Extension.
func (e *Extension) NeedsSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// RequestSize implements extension.Extension.
func (e *Extension) RequestSize() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return 0, nil
	}
	return wire.ExtensionHeaderSize + 4 +
		wire.AlignedSize(len(e.pending.userID)) +
		wire.AlignedSize(len(e.pending.token)), nil
}

// SerializeRequest implements extension.Extension.
//
// Payload: {user_id_len:u8, reserved:u8, token_len:u16, user_id aligned,
// token aligned}.
func (e *Extension) SerializeRequest(w *wire.Writer, requestID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return nil
	}

	payload := 4 + wire.AlignedSize(len(e.pending.userID)) + wire.AlignedSize(len(e.pending.token))
	if err := w.WriteExtensionHeader(uint8(extension.TypeUser), optAttachRequest, uint32(payload)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(len(e.pending.userID))); err != nil {
		return err
	}
	if err := w.WriteByte(0); err != nil {
		return err
	}
	if err := w.WriteUint16(uint16(len(e.pending.token))); err != nil {
		return err
	}
	if err := w.WriteAligned([]byte(e.pending.userID)); err != nil {
		return err
	}
	return w.WriteAligned([]byte(e.pending.token))
}

// HandleServerSync walks the response fields and fires the matching
// listeners after the status updates land.
func (e *Extension) HandleServerSync(r *wire.Reader, options uint32, length int, requestID uint32) error {
	var callbacks []func()

	for r.Remaining() > 0 {
		field, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch field {
		case fieldAttachResponse:
			if _, err := r.ReadByte(); err != nil { // reserved
				return err
			}
			result, err := r.ReadUint16()
			if err != nil {
				return err
			}
			attached := result == resultSuccess

			e.mu.Lock()
			pending := e.pending
			e.pending = nil
			cb := e.listeners.OnResponse
			e.mu.Unlock()

			if attached && pending != nil {
				e.st.SetAttached(pending.userID)
			}
			if cb != nil {
				callbacks = append(callbacks, func() { cb(attached) })
			}

		case fieldAttachNotification:
			idLen, err := r.ReadByte()
			if err != nil {
				return err
			}
			tokenLen, err := r.ReadUint16()
			if err != nil {
				return err
			}
			userID, err := r.ReadAligned(int(idLen))
			if err != nil {
				return err
			}
			token, err := r.ReadAligned(int(tokenLen))
			if err != nil {
				return err
			}

			e.st.SetAttached(string(userID))
			e.mu.Lock()
			cb := e.listeners.OnAttached
			e.mu.Unlock()
			if cb != nil {
				id, tok := string(userID), string(token)
				callbacks = append(callbacks, func() { cb(id, tok) })
			}

		case fieldDetachNotification:
			if _, err := r.ReadByte(); err != nil { // reserved
				return err
			}
			tokenLen, err := r.ReadUint16()
			if err != nil {
				return err
			}
			token, err := r.ReadAligned(int(tokenLen))
			if err != nil {
				return err
			}

			e.st.SetDetached()
			e.mu.Lock()
			cb := e.listeners.OnDetached
			e.mu.Unlock()
			if cb != nil {
				tok := string(token)
				callbacks = append(callbacks, func() { cb(tok) })
			}

		default:
			return fmt.Errorf("%w: user response field %d", errdefs.ErrBadFormat, field)
		}
	}

	e.mu.Lock()
	exec := e.exec
	e.mu.Unlock()
	for _, cb := range callbacks {
		dispatch(exec, cb)
	}
	return nil
}

// Close implements extension.Extension.
func (e *Extension) Close() error { return nil }

// dispatch runs one user callback, swallowing panics so a misbehaving host
// callback cannot abort response processing.
func dispatch(exec Executor, fn func()) {
	exec(func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("user callback panicked", logger.KeyError, fmt.Sprint(rec))
			}
		}()
		fn()
	})
}
