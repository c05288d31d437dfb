package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"govorilka/internal/models"
	"govorilka/internal/store"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// PushSubscription is a browser push endpoint registered by an actor,
// stored under pushSubs/{actorId}.
type PushSubscription struct {
	Endpoint string `json:"endpoint" msgpack:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh" msgpack:"p256dh"`
		Auth   string `json:"auth" msgpack:"auth"`
	} `json:"keys" msgpack:"keys"`
}

type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // contact address required by the push service
}

// Push sends best-effort web push notifications to offline participants
// when a message is delivered. Failures are logged and never retried.
type Push struct {
	cfg   PushConfig
	store store.Store
}

func NewPush(cfg PushConfig, st store.Store) *Push {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil
	}
	return &Push{cfg: cfg, store: st}
}

func (p *Push) NotifyOffline(ctx context.Context, conv *models.Conversation, preview, senderID string) {
	title := "New message"
	if conv.Kind == models.ConversationGroup && conv.Group != nil {
		title = conv.Group.Name
	}
	payload, err := json.Marshal(map[string]string{
		"title":          title,
		"body":           preview,
		"conversationId": conv.ID,
	})
	if err != nil {
		slog.Warn("failed to build push payload", "error", err)
		return
	}

	for _, participant := range conv.Participants {
		if participant == senderID {
			continue
		}
		if p.isOnline(ctx, participant) {
			continue
		}
		p.notify(ctx, participant, payload)
	}
}

func (p *Push) isOnline(ctx context.Context, actorID string) bool {
	snap, err := p.store.Get(ctx, store.CollUserStatus, actorID)
	if err != nil || !snap.Exists {
		return false
	}
	var presence models.Presence
	if err := snap.Decode(&presence); err != nil {
		return false
	}
	return presence.Online
}

func (p *Push) notify(ctx context.Context, actorID string, payload []byte) {
	snap, err := p.store.Get(ctx, store.CollPush, actorID)
	if err != nil || !snap.Exists {
		return // no subscription registered
	}
	var sub PushSubscription
	if err := snap.Decode(&sub); err != nil {
		slog.Warn("failed to decode push subscription", "actor_id", actorID, "error", err)
		return
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		slog.Warn("push notification failed", "actor_id", actorID, "error", err)
		return
	}
	_ = resp.Body.Close()
}
