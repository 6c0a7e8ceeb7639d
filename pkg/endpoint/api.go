package endpoint

import (
	"fmt"

	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension/configuration"
	"github.com/edgewire/edgesync/pkg/extension/event"
	"github.com/edgewire/edgesync/pkg/extension/logupload"
	"github.com/edgewire/edgesync/pkg/extension/notification"
	"github.com/edgewire/edgesync/pkg/extension/user"
	"github.com/edgewire/edgesync/pkg/keys"
	"github.com/edgewire/edgesync/pkg/status"
)

// Profile

// SetProfile stores the user-supplied profile blob and schedules a profile
// sync.
func (c *Client) SetProfile(body []byte) error {
	return c.profileExt.SetProfile(body)
}

// User attachment

// AttachToUser requests attachment of this endpoint to an external user.
func (c *Client) AttachToUser(userExternalID, accessToken string) error {
	return c.userExt.AttachToUser(userExternalID, accessToken)
}

// SetAttachmentListeners installs the attach/detach/response callbacks.
func (c *Client) SetAttachmentListeners(l user.Listeners) {
	c.userExt.SetListeners(l)
}

// SetCallbackExecutor routes user callbacks through a host executor instead
// of the sync goroutine.
func (c *Client) SetCallbackExecutor(exec user.Executor) {
	c.userExt.SetExecutor(exec)
}

// Events

func (c *Client) events() (*event.Extension, error) {
	if c.eventExt == nil {
		return nil, fmt.Errorf("%w: events disabled by configuration", errdefs.ErrInvalidState)
	}
	return c.eventExt, nil
}

// ProduceEvent queues an event for delivery; an empty target broadcasts.
func (c *Client) ProduceEvent(fqn string, data []byte, target string) error {
	ext, err := c.events()
	if err != nil {
		return err
	}
	return ext.ProduceEvent(fqn, data, target)
}

// BeginTransaction opens an event transaction.
func (c *Client) BeginTransaction() (event.TransactionID, error) {
	ext, err := c.events()
	if err != nil {
		return event.TransactionID{}, err
	}
	return ext.BeginTransaction(), nil
}

// ProduceEventInTransaction stages an event under an open transaction.
func (c *Client) ProduceEventInTransaction(trx event.TransactionID, fqn string, data []byte, target string) error {
	ext, err := c.events()
	if err != nil {
		return err
	}
	return ext.ProduceEventInTransaction(trx, fqn, data, target)
}

// CommitTransaction splices staged events into the outbound queue.
func (c *Client) CommitTransaction(trx event.TransactionID) error {
	ext, err := c.events()
	if err != nil {
		return err
	}
	return ext.Commit(trx)
}

// RollbackTransaction discards staged events.
func (c *Client) RollbackTransaction(trx event.TransactionID) error {
	ext, err := c.events()
	if err != nil {
		return err
	}
	return ext.Rollback(trx)
}

// RegisterEventFamily adds an event family for inbound dispatch.
func (c *Client) RegisterEventFamily(f event.Family) error {
	ext, err := c.events()
	if err != nil {
		return err
	}
	return ext.RegisterFamily(f)
}

// FindEventListeners resolves the endpoints listening to the given FQNs.
func (c *Client) FindEventListeners(fqns []string, cb event.ListenersCallback) (uint32, error) {
	ext, err := c.events()
	if err != nil {
		return 0, err
	}
	return ext.FindEventListeners(fqns, cb)
}

// Notifications

func (c *Client) notifications() (*notification.Extension, error) {
	if c.notifExt == nil {
		return nil, fmt.Errorf("%w: notifications disabled by configuration", errdefs.ErrInvalidState)
	}
	return c.notifExt, nil
}

// Topics returns the known topic table.
func (c *Client) Topics() ([]status.TopicState, error) {
	ext, err := c.notifications()
	if err != nil {
		return nil, err
	}
	return ext.Topics(), nil
}

// SubscribeToTopics stages subscribe commands for optional topics.
func (c *Client) SubscribeToTopics(ids []uint64, forceSync bool) error {
	ext, err := c.notifications()
	if err != nil {
		return err
	}
	return ext.SubscribeToTopics(ids, forceSync)
}

// UnsubscribeFromTopics stages unsubscribe commands for optional topics.
func (c *Client) UnsubscribeFromTopics(ids []uint64, forceSync bool) error {
	ext, err := c.notifications()
	if err != nil {
		return err
	}
	return ext.UnsubscribeFromTopics(ids, forceSync)
}

// SyncSubscriptions ships the batched subscription commands.
func (c *Client) SyncSubscriptions() error {
	ext, err := c.notifications()
	if err != nil {
		return err
	}
	return ext.SyncSubscriptions()
}

// AddTopicListListener registers a topic list listener.
func (c *Client) AddTopicListListener(l notification.TopicListListener) (string, error) {
	ext, err := c.notifications()
	if err != nil {
		return "", err
	}
	return ext.AddTopicListListener(l)
}

// RemoveTopicListListener drops a topic list listener.
func (c *Client) RemoveTopicListListener(id string) error {
	ext, err := c.notifications()
	if err != nil {
		return err
	}
	return ext.RemoveTopicListListener(id)
}

// AddNotificationListener registers a listener for every topic.
func (c *Client) AddNotificationListener(l notification.Listener) (string, error) {
	ext, err := c.notifications()
	if err != nil {
		return "", err
	}
	return ext.AddNotificationListener(l)
}

// AddTopicNotificationListener registers a listener for one topic.
func (c *Client) AddTopicNotificationListener(topicID uint64, l notification.Listener) (string, error) {
	ext, err := c.notifications()
	if err != nil {
		return "", err
	}
	return ext.AddTopicNotificationListener(topicID, l)
}

// RemoveNotificationListener drops a notification listener.
func (c *Client) RemoveNotificationListener(id string) error {
	ext, err := c.notifications()
	if err != nil {
		return err
	}
	return ext.RemoveNotificationListener(id)
}

// Logging

func (c *Client) logging() (*logupload.Extension, error) {
	if c.logExt == nil {
		return nil, fmt.Errorf("%w: logging disabled by configuration", errdefs.ErrInvalidState)
	}
	return c.logExt, nil
}

// AddLogRecord queues a log record for upload.
func (c *Client) AddLogRecord(data []byte) error {
	ext, err := c.logging()
	if err != nil {
		return err
	}
	return ext.AddRecord(data)
}

// SetLogStorage replaces the log record storage.
func (c *Client) SetLogStorage(s logupload.Storage) error {
	ext, err := c.logging()
	if err != nil {
		return err
	}
	return ext.SetStorage(s)
}

// SetLogUploadStrategy replaces the upload strategy.
func (c *Client) SetLogUploadStrategy(s logupload.UploadStrategy) error {
	ext, err := c.logging()
	if err != nil {
		return err
	}
	return ext.SetStrategy(s)
}

// Configuration

func (c *Client) config() (*configuration.Extension, error) {
	if c.configExt == nil {
		return nil, fmt.Errorf("%w: configuration disabled by configuration", errdefs.ErrInvalidState)
	}
	return c.configExt, nil
}

// UpdateConfiguration replaces the local configuration body.
func (c *Client) UpdateConfiguration(body []byte) error {
	ext, err := c.config()
	if err != nil {
		return err
	}
	return ext.UpdateConfiguration(body)
}

// Configuration returns the current configuration body.
func (c *Client) Configuration() ([]byte, error) {
	ext, err := c.config()
	if err != nil {
		return nil, err
	}
	return ext.Configuration(), nil
}

// AddConfigurationListener registers a configuration-updated listener.
func (c *Client) AddConfigurationListener(l configuration.Listener) (string, error) {
	ext, err := c.config()
	if err != nil {
		return "", err
	}
	return ext.AddListener(l)
}

// RemoveConfigurationListener drops a configuration listener.
func (c *Client) RemoveConfigurationListener(id string) error {
	ext, err := c.config()
	if err != nil {
		return err
	}
	return ext.RemoveListener(id)
}

// ProfileHash returns the last server-confirmed profile hash.
func (c *Client) ProfileHash() (keys.Digest, bool) {
	return c.st.ProfileHash()
}
