package notify

import (
	"context"
	"errors"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

// Sender delivers one notification request over one channel transport.
type Sender interface {
	Send(ctx context.Context, req *model.NotificationRequest) error
}

// ChannelStore persists notification channel configuration.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
	ListChannels(ctx context.Context) ([]*model.Channel, error)
	UpsertChannel(ctx context.Context, ch *model.Channel) error
}

// LogStore is the durable delivery log. Every request is inserted before it is queued and
// updated on each attempt, so non-terminal rows can be reloaded after a restart.
type LogStore interface {
	Insert(ctx context.Context, req *model.NotificationRequest) error
	Update(ctx context.Context, req *model.NotificationRequest) error
	ListNotifications(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationRequest, error)
}

// Observer is told when a request of an incident reaches DELIVERED or DEAD_LETTER.
type Observer interface {
	DeliveryFinished(ctx context.Context, incidentID string)
}

var (
	// ErrUnsupportedChannel is returned for a channel type without a registered transport.
	ErrUnsupportedChannel = errors.New("unsupported channel type")
	// ErrClosed is returned by Enqueue after Stop.
	ErrClosed = errors.New("dispatcher closed")
)

// permanent reports failures that no retry can fix: the request is dead-lettered right away.
func permanent(err error) bool {
	return errors.Is(err, ErrUnsupportedChannel) || model.IsConfigurationError(err)
}

func cloneChannel(ch *model.Channel) *model.Channel {
	out := *ch
	out.Config = ch.Config.Clone()
	return &out
}
