// Package pubnub delivers patron notifications as PubNub messages on a per-patron channel.
package pubnub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/consultq/internal/adapter/notify"
	pubnubgo "github.com/pubnub/go/v7"
)

// ChannelPrefix is followed by the patron id; clients subscribe to their own channel only.
const ChannelPrefix = "patron-"

// Config holds the PubNub keys.
type Config struct {
	PublishKey   string
	SubscribeKey string
	UserID       string
}

// publisher is the PubNub call surface the deliverer needs.
type publisher interface {
	Publish(channel string, message any) (int64, error)
}

type client struct {
	pn *pubnubgo.PubNub
}

func (c client) Publish(channel string, message any) (int64, error) {
	resp, _, err := c.pn.Publish().Channel(channel).Message(message).Execute()
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, errors.New("empty publish response")
	}
	return resp.Timestamp, nil
}

// Deliverer implements notify.Deliverer.
type Deliverer struct {
	pub publisher
}

var _ notify.Deliverer = (*Deliverer)(nil)

func NewDeliverer(cfg Config) (*Deliverer, error) {
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return nil, fmt.Errorf("pubnub publish and subscribe keys are required")
	}

	pnCfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(cfg.UserID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey

	return &Deliverer{pub: client{pn: pubnubgo.NewPubNub(pnCfg)}}, nil
}

func Channel(patronID uuid.UUID) string {
	return ChannelPrefix + patronID.String()
}

func (d *Deliverer) Deliver(ctx context.Context, patronID uuid.UUID, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	channel := Channel(patronID)
	timetoken, err := d.pub.Publish(channel, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	slog.DebugContext(ctx, "PubNub message published", "channel", channel, "kind", msg.Kind, "timetoken", timetoken)
	return nil
}
