package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"incident-dispatch-go/internal/logging"
	"incident-dispatch-go/internal/models"
)

// SubscriptionStore is the host's record of browser push subscriptions.
type SubscriptionStore interface {
	GetPushSubscriptions(ctx context.Context, userID int) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// VAPIDKeys identify this server to push services.
type VAPIDKeys struct {
	Public  string
	Private string
	Subject string
}

// GenerateVAPIDKeys creates a fresh key pair.
func GenerateVAPIDKeys(subject string) (VAPIDKeys, error) {
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, err
	}
	return VAPIDKeys{Public: public, Private: private, Subject: subject}, nil
}

// WebPushSender delivers push messages to every subscription of a user.
type WebPushSender struct {
	subs SubscriptionStore
	keys VAPIDKeys
	ttl  int
	log  *zap.Logger

	// send is swapped in tests.
	send func(ctx context.Context, payload []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error)
}

func NewWebPushSender(subs SubscriptionStore, keys VAPIDKeys, log *zap.Logger) *WebPushSender {
	return &WebPushSender{
		subs: subs,
		keys: keys,
		ttl:  30,
		log:  logging.OrNop(log),
		send: webpush.SendNotificationWithContext,
	}
}

// SendPush sends payload to each subscription, removing subscriptions the
// push service reports as gone. One failing subscription does not stop the
// others; all failures are returned together.
func (p *WebPushSender) SendPush(ctx context.Context, userID int, payload []byte) error {
	subs, err := p.subs.GetPushSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("load push subscriptions: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		s := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}

		resp, err := p.send(ctx, payload, s, &webpush.Options{
			Subscriber:      p.keys.Subject,
			VAPIDPublicKey:  p.keys.Public,
			VAPIDPrivateKey: p.keys.Private,
			TTL:             p.ttl,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", sub.Endpoint, err))
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			p.log.Info("removing expired push subscription", zap.Int("user_id", userID), zap.String("endpoint", sub.Endpoint))
			if err := p.subs.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
				p.log.Warn("failed to remove push subscription", zap.Error(err))
			}
		case resp.StatusCode >= 400:
			errs = append(errs, fmt.Errorf("push to %s: status %d", sub.Endpoint, resp.StatusCode))
		}
	}
	return errors.Join(errs...)
}
