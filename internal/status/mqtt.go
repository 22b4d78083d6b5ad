package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// statusTopic carries the retained snapshot of one rider device.
const statusTopic = "%s/devices/%s/sync"

// MQTTClient is the subset of the paho client the publisher uses, so tests
// can substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTOptions configures the heartbeat publisher.
type MQTTOptions struct {
	Broker      string
	Port        int
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
	// Interval republishes the latest snapshot even without changes.
	Interval time.Duration
}

// heartbeat is the wire form published to the back office.
type heartbeat struct {
	DeviceID string    `json:"device_id"`
	SentAt   time.Time `json:"sent_at"`
	Snapshot
}

// MQTTPublisher pushes facade snapshots to the back-office broker. Publishing
// is best effort: a broker outage never affects syncing.
type MQTTPublisher struct {
	opts   MQTTOptions
	facade *Facade
	logger *slog.Logger

	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
	client        MQTTClient

	mu      sync.Mutex
	latest  Snapshot
	changed chan struct{}

	unsub  func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMQTTPublisher creates a publisher backed by the paho client.
func NewMQTTPublisher(opts MQTTOptions, facade *Facade, logger *slog.Logger) *MQTTPublisher {
	return NewMQTTPublisherWithClient(opts, facade, logger, func(o *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(o)
	})
}

// NewMQTTPublisherWithClient creates a publisher with a custom client factory.
func NewMQTTPublisherWithClient(opts MQTTOptions, facade *Facade, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "zeger"
	}
	if opts.Port == 0 {
		opts.Port = 1883
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &MQTTPublisher{
		opts:          opts,
		facade:        facade,
		logger:        logger.With("component", "status.mqtt"),
		clientFactory: factory,
		changed:       make(chan struct{}, 1),
	}
}

// Topic returns the topic snapshots are published to.
func (p *MQTTPublisher) Topic() string {
	return fmt.Sprintf(statusTopic, p.opts.TopicPrefix, p.opts.DeviceID)
}

// Start connects to the broker and begins publishing.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	o := mqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("tcp://%s:%d", p.opts.Broker, p.opts.Port))
	o.SetClientID("zeger-sync-" + p.opts.DeviceID)
	if p.opts.Username != "" {
		o.SetUsername(p.opts.Username)
		o.SetPassword(p.opts.Password)
	}
	o.SetKeepAlive(30 * time.Second)
	o.SetPingTimeout(10 * time.Second)
	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetMaxReconnectInterval(time.Minute)
	o.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = p.clientFactory(o)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.unsub = p.facade.Subscribe(func(s Snapshot) {
		p.mu.Lock()
		p.latest = s
		p.mu.Unlock()
		select {
		case p.changed <- struct{}{}:
		default:
		}
	})

	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("mqtt status publisher started", "topic", p.Topic())
	return nil
}

// Stop halts publishing and disconnects.
func (p *MQTTPublisher) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *MQTTPublisher) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.changed:
		case <-ticker.C:
		}
		if err := p.publish(); err != nil {
			p.logger.Debug("status publish failed", "error", err)
		}
	}
}

func (p *MQTTPublisher) publish() error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	p.mu.Lock()
	hb := heartbeat{DeviceID: p.opts.DeviceID, SentAt: time.Now().UTC(), Snapshot: p.latest}
	p.mu.Unlock()

	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	// Retained so the dashboard sees the last state of offline devices.
	token := p.client.Publish(p.Topic(), 1, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}
