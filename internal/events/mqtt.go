package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/kstaniek/go-can-iap/internal/metrics"
)

const (
	defaultQueue          = 64
	defaultConnectTimeout = 5 * time.Second
	appID                 = "go-can-iap"
)

var ErrConnectTimeout = errors.New("mqtt connect timeout")

// publishClient is the subset of paho.Client used for publishing.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes events as JSON to <prefix>/<node>/events. Publish
// only queues; a worker goroutine talks to the broker. When the queue is full
// the event is dropped and counted.
type MQTTPublisher struct {
	client    publishClient
	prefix    string
	qos       byte
	mu        sync.RWMutex
	closed    bool
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// ClientOptionsFromURL builds paho options from mqtt://[user:pass@]host:port/prefix?client-id=x.
// Without client-id a stable id is derived from the machine id.
func ClientOptionsFromURL(brokerURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, "", err
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("mqtt url %q: missing host", brokerURL)
	}
	scheme := u.Scheme
	if scheme == "" || scheme == "mqtt" {
		scheme = "tcp"
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(scheme + "://" + u.Host).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(defaultConnectTimeout)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	clientID := u.Query().Get("client-id")
	if clientID == "" {
		clientID = defaultClientID()
	}
	opts.SetClientID(clientID)
	return opts, strings.Trim(u.Path, "/"), nil
}

// defaultClientID hashes the machine id so the broker sees one stable session per host.
func defaultClientID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return fmt.Sprintf("%s-%d", appID, time.Now().UnixNano())
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return appID + "-" + id
}

// DialMQTT connects to the broker and returns a running publisher.
func DialMQTT(brokerURL string, topicPrefix string, timeout time.Duration) (*MQTTPublisher, error) {
	opts, urlPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, err
	}
	if topicPrefix == "" {
		topicPrefix = urlPrefix
	}
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logging.L().Warn("mqtt_connection_lost", "error", err)
	})
	c := paho.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(timeout) {
		c.Disconnect(0)
		return nil, ErrConnectTimeout
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	logging.L().Info("mqtt_connected", "broker", opts.Servers[0].String(), "prefix", topicPrefix)
	return newMQTTPublisher(c, topicPrefix, 0), nil
}

func newMQTTPublisher(c publishClient, prefix string, qos byte) *MQTTPublisher {
	p := &MQTTPublisher{
		client: c,
		prefix: strings.Trim(prefix, "/"),
		qos:    qos,
		ch:     make(chan Event, defaultQueue),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Topic returns the topic events of node are published to.
func (p *MQTTPublisher) Topic(node uint8) string {
	t := fmt.Sprintf("%d/events", node)
	if p.prefix != "" {
		t = p.prefix + "/" + t
	}
	return t
}

func (p *MQTTPublisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- ev:
	default:
		metrics.IncError(metrics.ErrEvents)
	}
}

func (p *MQTTPublisher) loop() {
	defer close(p.done)
	for ev := range p.ch {
		b, err := json.Marshal(ev)
		if err != nil {
			metrics.IncError(metrics.ErrEvents)
			continue
		}
		tok := p.client.Publish(p.Topic(ev.Node), p.qos, false, b)
		if tok.WaitTimeout(defaultConnectTimeout) && tok.Error() != nil {
			metrics.IncError(metrics.ErrEvents)
			logging.L().Warn("mqtt_publish_error", "kind", ev.Kind, "error", tok.Error())
		}
	}
}

// Close drains queued events and disconnects.
func (p *MQTTPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.ch)
		p.mu.Unlock()
		<-p.done
		p.client.Disconnect(250)
	})
	return nil
}
