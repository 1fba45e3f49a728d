package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/mbp/errors"
)

// MQTTConfig configures the MQTT client.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTT is a Client for MQTT brokers. Subscriptions are restored after a
// reconnect.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*mqttSubscription]struct{}
}

// NewMQTT creates an unconnected MQTT client.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	m := &MQTT{
		cfg:    cfg,
		logger: logger.With("component", "mqtt-client", "broker", cfg.BrokerURL),
		subs:   make(map[*mqttSubscription]struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		m.logger.Info("Connected to MQTT broker")
		m.resubscribe()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.logger.Warn("MQTT connection lost", "error", err)
	}

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect connects to the broker, retrying with exponential backoff until
// ctx ends.
func (m *MQTT) Connect(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	for {
		token := m.client.Connect()
		if token.WaitTimeout(m.cfg.ConnectTimeout) && token.Error() == nil {
			return nil
		}
		m.logger.Warn("MQTT connect failed", "error", token.Error(), "retry_in", backoff)
		select {
		case <-time.After(backoff):
			if backoff < 30*time.Second {
				backoff *= 2
			}
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "MQTT", "Connect", "connect to "+m.cfg.BrokerURL)
		}
	}
}

func (m *MQTT) Publish(_ context.Context, topic string, data []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if !m.client.IsConnectionOpen() {
		return errors.WrapTransient(ErrClosed, "MQTT", "Publish", "connection check")
	}
	token := m.client.Publish(topic, m.cfg.QoS, false, data)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return errors.WrapTransient(context.DeadlineExceeded, "MQTT", "Publish", "publish "+topic)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "MQTT", "Publish", "publish "+topic)
	}
	return nil
}

func (m *MQTT) Subscribe(ctx context.Context, filter string, handler Handler) (Subscription, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &mqttSubscription{broker: m, filter: filter, handler: handler, ctx: subCtx, cancel: cancel}

	if err := m.subscribe(filter); err != nil {
		cancel()
		return nil, err
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

// subscribe registers one broker subscription per filter that fans out to
// every local subscription with that filter.
func (m *MQTT) subscribe(filter string) error {
	token := m.client.Subscribe(filter, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		for _, s := range m.subscribers(filter) {
			if s.ctx.Err() == nil {
				s.handler(s.ctx, msg.Topic(), msg.Payload())
			}
		}
	})
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return errors.WrapTransient(context.DeadlineExceeded, "MQTT", "Subscribe", "subscribe "+filter)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "MQTT", "Subscribe", "subscribe "+filter)
	}
	return nil
}

func (m *MQTT) subscribers(filter string) []*mqttSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*mqttSubscription
	for s := range m.subs {
		if s.filter == filter {
			out = append(out, s)
		}
	}
	return out
}

func (m *MQTT) resubscribe() {
	m.mu.Lock()
	filters := make(map[string]struct{}, len(m.subs))
	for s := range m.subs {
		filters[s.filter] = struct{}{}
	}
	m.mu.Unlock()

	for filter := range filters {
		if err := m.subscribe(filter); err != nil {
			m.logger.Error("Failed to restore subscription", "filter", filter, "error", err)
		}
	}
}

// IsConnected reports whether the connection to the broker is up.
func (m *MQTT) IsConnected() bool {
	return m.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (m *MQTT) Close(_ context.Context) error {
	m.mu.Lock()
	for s := range m.subs {
		s.cancel()
	}
	m.subs = make(map[*mqttSubscription]struct{})
	m.mu.Unlock()
	m.client.Disconnect(250)
	return nil
}

type mqttSubscription struct {
	broker  *MQTT
	filter  string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *mqttSubscription) Filter() string { return s.filter }

// Unsubscribe removes the subscription. Other subscriptions to the same
// filter keep the broker subscription alive.
func (s *mqttSubscription) Unsubscribe() error {
	s.cancel()
	m := s.broker
	m.mu.Lock()
	if _, ok := m.subs[s]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, s)
	shared := false
	for other := range m.subs {
		if other.filter == s.filter {
			shared = true
			break
		}
	}
	m.mu.Unlock()

	if shared || !m.client.IsConnectionOpen() {
		return nil
	}
	token := m.client.Unsubscribe(s.filter)
	token.WaitTimeout(m.cfg.ConnectTimeout)
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "MQTT", "Unsubscribe", "unsubscribe "+s.filter)
	}
	return nil
}
