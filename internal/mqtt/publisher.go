// Package mqtt publishes detector events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"stairwatch/internal/monitor"
)

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix roots every topic. Default "stairwatch".
	TopicPrefix string
	QoS         byte
	// Episodes also publishes every closed episode.
	Episodes bool
	// Timeout bounds connect and each publish. Default 5s.
	Timeout time.Duration
	// RetryInterval is the wait between failed initial connects. Once
	// connected, paho reconnects on its own. Default 10s.
	RetryInterval time.Duration
	// QueueLen is the number of messages buffered between the monitor and
	// the broker. Default 64.
	QueueLen int

	Logger *slog.Logger
}

// client is the subset of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Disconnect(quiesce uint)
}

var newClient = func(opts *paho.ClientOptions) client { return paho.NewClient(opts) }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Publisher is a monitor.Sink. Events are queued without blocking and
// published from Run.
type Publisher struct {
	cfg Config
	log *slog.Logger
	c   client

	queue chan message

	mu        sync.Mutex
	connected bool
	published uint64
	dropped   uint64
	lastErr   string
}

var _ monitor.Sink = (*Publisher)(nil)

func New(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "stairwatch"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "stairwatch"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Publisher{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "mqtt", "broker", cfg.Broker),
		queue: make(chan message, cfg.QueueLen),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetWill(p.topic("status"), "offline", cfg.QoS, true).
		SetOnConnectHandler(func(paho.Client) { p.log.Info("mqtt connected") }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.log.Warn("mqtt connection lost", "err", err) })
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	p.c = newClient(opts)
	return p, nil
}

func (p *Publisher) topic(name string) string { return p.cfg.TopicPrefix + "/" + name }

// Run connects, announces the publisher online and drains the queue until
// ctx ends. A broker that is down at startup is retried every
// RetryInterval; events queued meanwhile are kept up to QueueLen. Publish
// failures are logged; they do not stop Run.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.connect(ctx) {
		return nil
	}
	defer p.c.Disconnect(250)

	p.publish(message{topic: p.topic("status"), retained: true, payload: []byte("online")})
	for {
		select {
		case <-ctx.Done():
			p.publish(message{topic: p.topic("status"), retained: true, payload: []byte("offline")})
			return nil
		case m := <-p.queue:
			p.publish(m)
		}
	}
}

// connect blocks until the first connect succeeds or ctx ends.
func (p *Publisher) connect(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		err := p.connectOnce()
		if err == nil {
			p.mu.Lock()
			p.connected = true
			p.mu.Unlock()
			return true
		}
		p.mu.Lock()
		p.lastErr = err.Error()
		p.mu.Unlock()
		if attempt == 1 || attempt%10 == 0 {
			p.log.Warn("mqtt connect failed; retrying", "err", err, "attempt", attempt, "retry_in", p.cfg.RetryInterval)
		}

		t := time.NewTimer(p.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (p *Publisher) connectOnce() error {
	tok := p.c.Connect()
	if !tok.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("mqtt: connect %s: timed out", p.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, err)
	}
	return nil
}

func (p *Publisher) publish(m message) {
	tok := p.c.Publish(m.topic, p.cfg.QoS, m.retained, m.payload)
	var err error
	if !tok.WaitTimeout(p.cfg.Timeout) {
		err = errors.New("timed out")
	} else {
		err = tok.Error()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.lastErr = fmt.Sprintf("mqtt: publish %s: %v", m.topic, err)
		p.log.Warn("mqtt publish failed", "topic", m.topic, "err", err)
		return
	}
	p.published++
}

func (p *Publisher) Stair(ev monitor.StairEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("marshal stair event", "err", err)
		return
	}
	p.enqueue(message{topic: p.topic("stair"), payload: b})
	p.enqueue(message{topic: p.topic("count"), retained: true, payload: []byte(strconv.FormatUint(ev.Count, 10))})
}

func (p *Publisher) Episode(ev monitor.EpisodeEvent) {
	if !p.cfg.Episodes {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("marshal episode event", "err", err)
		return
	}
	p.enqueue(message{topic: p.topic("episode"), payload: b})
}

func (p *Publisher) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	LastError string `json:"last_error,omitempty"`
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Connected: p.connected, Published: p.published, Dropped: p.dropped, LastError: p.lastErr}
}
