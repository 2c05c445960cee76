package notify

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/logger"
)

// VAPIDKeys is the on-disk key file. The private key may be raw urlsafe
// base64 or a PEM-encoded EC key.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Subject    string `json:"sub"`
}

// Subscription is one registered browser endpoint.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type payload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	ChatID   string `json:"chat_id"`
	Critical bool   `json:"critical"`
	Icon     string `json:"icon"`
	Badge    string `json:"badge"`
}

// PushService sends web push notifications to all subscriptions.
type PushService struct {
	store    *fstore.Store
	keysPath string
	subsPath string

	// sender is swapped in tests.
	sender func(message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)
}

// NewPushService wires a PushService over the given key and subscription
// file paths.
func NewPushService(keysPath, subsPath string, store *fstore.Store) *PushService {
	return &PushService{
		store:    store,
		keysPath: keysPath,
		subsPath: subsPath,
		sender:   webpush.SendNotification,
	}
}

// Subscribe registers (or refreshes) a browser subscription.
func (p *PushService) Subscribe(sub Subscription) error {
	if sub.Endpoint == "" {
		return errors.New("subscription endpoint must not be empty")
	}
	var subs []Subscription
	return p.store.Update(p.subsPath, &subs, func() error {
		for i, existing := range subs {
			if existing.Endpoint == sub.Endpoint {
				subs[i] = sub
				return nil
			}
		}
		subs = append(subs, sub)
		return nil
	})
}

// Subscriptions returns the registered endpoints.
func (p *PushService) Subscriptions() ([]Subscription, error) {
	var subs []Subscription
	if err := p.store.Load(p.subsPath, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// SendPushNotification fans the payload out to every subscription and
// returns the number of successful deliveries. A 410 from the push service
// permanently removes the subscription; other failures are logged only.
func (p *PushService) SendPushNotification(ctx context.Context, title, body, chatID string, critical bool) (int, error) {
	log := logger.G(ctx)

	keys, err := p.loadKeys()
	if err != nil {
		return 0, err
	}
	subs, err := p.Subscriptions()
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	message, err := json.Marshal(payload{
		Title:    title,
		Body:     body,
		ChatID:   chatID,
		Critical: critical,
		Icon:     "/icon-192.png",
		Badge:    "/badge-72.png",
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal push payload")
	}

	opts := &webpush.Options{
		Subscriber:      keys.Subject,
		VAPIDPublicKey:  keys.PublicKey,
		VAPIDPrivateKey: keys.PrivateKey,
		TTL:             3600,
	}

	delivered := 0
	var gone []string
	for _, sub := range subs {
		target := &webpush.Subscription{Endpoint: sub.Endpoint}
		target.Keys.P256dh = sub.Keys.P256dh
		target.Keys.Auth = sub.Keys.Auth

		resp, err := p.sender(message, target, opts)
		if err != nil {
			log.WithField("endpoint", sub.Endpoint).WithError(err).Warn("push delivery failed")
			continue
		}
		status := resp.StatusCode
		resp.Body.Close()

		switch {
		case status == http.StatusGone:
			gone = append(gone, sub.Endpoint)
			log.WithField("endpoint", sub.Endpoint).Info("subscription gone, removing")
		case status >= 200 && status < 300:
			delivered++
		default:
			log.WithFields(map[string]any{"endpoint": sub.Endpoint, "status": status}).
				Warn("push service rejected notification")
		}
	}

	if len(gone) > 0 {
		if err := p.removeSubscriptions(gone); err != nil {
			log.WithError(err).Warn("failed to prune gone subscriptions")
		}
	}
	return delivered, nil
}

func (p *PushService) removeSubscriptions(endpoints []string) error {
	drop := map[string]bool{}
	for _, ep := range endpoints {
		drop[ep] = true
	}
	var subs []Subscription
	return p.store.Update(p.subsPath, &subs, func() error {
		kept := subs[:0]
		for _, sub := range subs {
			if !drop[sub.Endpoint] {
				kept = append(kept, sub)
			}
		}
		subs = kept
		return nil
	})
}

func (p *PushService) loadKeys() (*VAPIDKeys, error) {
	var keys VAPIDKeys
	if err := p.store.Load(p.keysPath, &keys); err != nil {
		return nil, err
	}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		return nil, errors.New("vapid keys not configured")
	}
	if strings.Contains(keys.PrivateKey, "-----BEGIN") {
		decoded, err := pemToVAPID(keys.PrivateKey)
		if err != nil {
			return nil, err
		}
		keys.PrivateKey = decoded
	}
	return &keys, nil
}

// pemToVAPID converts a PEM EC private key to the urlsafe-base64 raw
// scalar the webpush library expects.
func pemToVAPID(pemKey string) (string, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return "", errors.New("invalid PEM in vapid private key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse EC private key")
	}
	scalar := key.D.Bytes()
	// P-256 scalars are 32 bytes; restore leading zeros lost by big.Int.
	padded := make([]byte, 32)
	copy(padded[32-len(scalar):], scalar)
	return base64.RawURLEncoding.EncodeToString(padded), nil
}
