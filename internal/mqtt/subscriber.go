package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/concierge/internal/gate"
)

// VerdictHandler applies a verdict received over MQTT.
type VerdictHandler func(ctx context.Context, conversationID string, v gate.Verdict) error

// VerdictMessage is the payload accepted on the verdict topic. Either
// Kind or Text must be set; Text alone is read the same way a chat
// reply would be.
type VerdictMessage struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind,omitempty"`
	Text           string `json:"text,omitempty"`
}

// ParseVerdictMessage decodes and validates a verdict payload.
func ParseVerdictMessage(payload []byte) (string, gate.Verdict, error) {
	var m VerdictMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", gate.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return "", gate.Verdict{}, errors.New("verdict without conversation_id")
	}

	var v gate.Verdict
	switch {
	case m.Kind != "":
		v = gate.Verdict{Kind: gate.VerdictKind(strings.ToLower(m.Kind)), Text: m.Text}
	case m.Text != "":
		v = gate.ParseVerdict(m.Text)
	default:
		return "", gate.Verdict{}, errors.New("verdict needs a kind or text")
	}
	if !v.Valid() {
		return "", gate.Verdict{}, fmt.Errorf("unknown verdict kind %q", m.Kind)
	}
	return m.ConversationID, v, nil
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.verdicts == nil {
		return
	}
	topic := p.verdictTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", topic)
}

// handleMessage applies verdicts from the verdict topic. Everything
// else is ignored. A verdict runs its action and a reasoning step, so it
// is applied on its own goroutine and the client's receive loop keeps
// acknowledging messages meanwhile.
//
// The broker is the trust boundary: any client allowed to publish to
// the verdict topic can approve pending actions.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.verdictTopic() || p.verdicts == nil {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if !p.limiter.allow() {
		return
	}

	id, v, err := ParseVerdictMessage(payload)
	if err != nil {
		p.logger.Warn("mqtt verdict rejected", "error", err, "payload_size", len(payload))
		return
	}
	p.applying.Add(1)
	go func() {
		defer p.applying.Done()
		p.applyVerdict(ctx, id, v)
	}()
}

func (p *Publisher) applyVerdict(ctx context.Context, id string, v gate.Verdict) {
	log := p.logger.With("conversation", id, "verdict", v.Kind)
	if err := p.verdicts(ctx, id, v); err != nil {
		var none *gate.NoPendingActionError
		if errors.As(err, &none) {
			log.Info("mqtt verdict for conversation with nothing pending")
			return
		}
		log.Error("mqtt verdict failed", "error", err)
		return
	}
	log.Info("mqtt verdict applied")
}

// messageRateLimiter drops inbound messages beyond limit per interval.
// Counters are atomic so the hot path takes no lock.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the counter every interval until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
