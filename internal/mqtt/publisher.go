package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/concierge/internal/config"
	"github.com/nugget/concierge/internal/notify"
)

// StatsSource provides runtime data for the sensor states.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
}

// Publisher manages the broker connection. It implements
// [notify.Notifier]; events that arrive while disconnected still
// update the pending-approval bookkeeping and are published again on
// the next state refresh.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	stats      StatsSource
	logger     *slog.Logger
	verdicts   VerdictHandler
	limiter    *messageRateLimiter
	applying   sync.WaitGroup // verdicts still being applied

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	pending   map[string]notify.Event // conversation ID -> approval_required event
	lastEvent time.Time
}

var _ notify.Notifier = (*Publisher)(nil)

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and run the state loop. verdicts may be nil, in which case
// the verdict topic is not subscribed.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, verdicts VerdictHandler, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		stats:      stats,
		verdicts:   verdicts,
		limiter:    newMessageRateLimiter(30, time.Minute, logger),
		logger:     logger,
		pending:    make(map[string]notify.Event),
	}
}

// Start connects to the broker and publishes sensor states until ctx
// is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribe(ctx, cm)
			p.publishPendingAll(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "concierge-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline", disconnects and waits for verdicts already
// received to finish applying.
func (p *Publisher) Stop(ctx context.Context) error {
	defer p.applying.Wait()
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Notify implements [notify.Notifier].
func (p *Publisher) Notify(ctx context.Context, e notify.Event) {
	p.mu.Lock()
	switch e.Type {
	case notify.ApprovalRequired:
		p.pending[e.ConversationID] = e
	case notify.ApprovalResolved:
		delete(p.pending, e.ConversationID)
	}
	p.lastEvent = e.At
	cm := p.cm
	count := len(p.pending)
	p.mu.Unlock()

	if cm == nil {
		p.logger.Debug("mqtt not connected, event not published", "type", e.Type, "conversation", e.ConversationID)
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "type", e.Type, "error", err)
		return
	}
	p.publish(ctx, cm, p.eventsTopic(), payload, 1, false)

	switch e.Type {
	case notify.ApprovalRequired:
		p.publish(ctx, cm, p.pendingTopic(e.ConversationID), payload, 1, true)
	case notify.ApprovalResolved:
		// An empty retained payload removes the retained message.
		p.publish(ctx, cm, p.pendingTopic(e.ConversationID), nil, 1, true)
	}
	p.publish(ctx, cm, p.stateTopic("pending_approvals"), []byte(strconv.Itoa(count)), 0, true)
}

// Pending returns the approval events still awaiting a verdict, oldest
// first.
func (p *Publisher) Pending() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Event, 0, len(p.pending))
	for _, e := range p.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "concierge/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) eventsTopic() string {
	return p.baseTopic() + "/events"
}

func (p *Publisher) pendingTopic(conversationID string) string {
	return p.baseTopic() + "/pending/" + conversationID
}

func (p *Publisher) verdictTopic() string {
	return p.baseTopic() + "/verdict"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) sensorDef {
	return sensorDef{
		entitySuffix: entity,
		config: SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	pending := p.sensor("pending_approvals", "Pending Approvals", "mdi:shield-alert")
	pending.config.StateClass = "measurement"

	tokens := p.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.config.StateClass = "total_increasing"
	tokens.config.UnitOfMeasurement = "tokens"

	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	model := p.sensor("default_model", "Default Model", "mdi:brain")
	model.config.EntityCategory = "diagnostic"

	last := p.sensor("last_event", "Last Event", "mdi:clock-check")
	last.config.EntityCategory = "diagnostic"

	return []sensorDef{pending, tokens, uptime, version, model, last}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		p.publish(ctx, cm, p.discoveryTopic("sensor", s.entitySuffix), payload, 1, true)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if p.publish(ctx, cm, p.availabilityTopic(), []byte(status), 1, true) {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// publishPendingAll republishes every retained approval after a
// reconnect, in case the broker lost its retained store.
func (p *Publisher) publishPendingAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, e := range p.Pending() {
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		p.publish(ctx, cm, p.pendingTopic(e.ConversationID), payload, 1, true)
	}
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, qos byte, retain bool) bool {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	p.logger.Debug("mqtt published", "topic", topic, "bytes", len(payload))
	return true
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) states() map[string]string {
	p.mu.Lock()
	count := len(p.pending)
	last := p.lastEvent
	p.mu.Unlock()

	states := map[string]string{
		"pending_approvals": strconv.Itoa(count),
		"last_event":        "never",
	}
	if !last.IsZero() {
		states["last_event"] = last.Format(time.RFC3339)
	}
	if p.tokens != nil {
		input, output, _ := p.tokens.Snapshot()
		states["tokens_today"] = strconv.FormatInt(input+output, 10)
	}
	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["default_model"] = p.stats.DefaultModel()
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		p.publish(ctx, cm, p.stateTopic(entity), []byte(value), 0, true)
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
