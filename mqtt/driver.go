package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/logging"
)

const (
	obsBuffer      = 256
	connectWait    = 5 * time.Second
	disconnectWait = 250 // ms, paho quiesce
)

// Driver is the MQTT connection driver: ingress subscriptions feed the
// observation channel, writes publish to command topics, and the
// publisher engine rides on PublishRaw.
type Driver struct {
	cfg *config.ConnConfig

	mu      sync.Mutex
	client  pahomqtt.Client
	closing bool

	obs chan driver.Observation

	// tags maps topic path -> tag for topic-subscribed tags (tag path
	// is the MQTT topic, possibly with wildcards).
	tagsMu sync.RWMutex
	tags   map[int64]driver.Tag

	ingest *ingester
}

func New(cfg *config.ConnConfig) (driver.Driver, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mqtt %s: host is required", cfg.ID)
	}
	d := &Driver{
		cfg:  cfg,
		obs:  make(chan driver.Observation, obsBuffer),
		tags: make(map[int64]driver.Tag),
	}
	d.ingest = newIngester(cfg, d.lookupTopicTag, d.obs)
	return d, nil
}

// Register installs the factory in the driver registry.
func Register() {
	driver.Register(config.KindMQTT, New)
}

func (d *Driver) brokerURL() string {
	scheme := "tcp"
	if d.cfg.TLS.Enabled {
		scheme = "ssl"
	}
	port := d.cfg.Port
	if port == 0 {
		port = 1883
		if d.cfg.TLS.Enabled {
			port = 8883
		}
	}
	return fmt.Sprintf("%s://%s:%d", scheme, d.cfg.Host, port)
}

func (d *Driver) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(d.brokerURL())

	clientID := d.cfg.ClientID
	if clientID == "" {
		clientID = "fieldgate-" + d.cfg.ID
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(d.cfg.CleanSession)

	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}
	if d.cfg.TLS.Enabled {
		tlsCfg, err := tlsConfig(d.cfg.TLS)
		if err != nil {
			return fmt.Errorf("mqtt %s: tls: %w", d.cfg.ID, err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	keepAlive := time.Duration(d.cfg.KeepAliveSec) * time.Second
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	opts.SetKeepAlive(keepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		logging.DebugLog("mqtt", "conn %s: connected to %s", d.cfg.ID, d.brokerURL())
		d.subscribeAll(c)
	})
	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		d.mu.Lock()
		closing := d.closing
		d.mu.Unlock()
		if !closing {
			logging.DebugError("mqtt", fmt.Sprintf("conn %s lost", d.cfg.ID), err)
		}
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()

	wait := connectWait
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		client.Disconnect(disconnectWait)
		return fmt.Errorf("mqtt %s: connect timeout", d.cfg.ID)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(disconnectWait)
		return fmt.Errorf("mqtt %s: %w", d.cfg.ID, err)
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		client.Disconnect(disconnectWait)
		return driver.ErrClosing
	}
	old := d.client
	d.client = client
	d.mu.Unlock()
	if old != nil {
		old.Disconnect(disconnectWait)
	}
	return nil
}

func tlsConfig(t config.TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.Insecure {
		cfg.InsecureSkipVerify = true
	}
	if t.CAPem != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(t.CAPem)) {
			return nil, fmt.Errorf("no usable certificates in ca_pem")
		}
		cfg.RootCAs = pool
	}
	if t.CertPem != "" && t.KeyPem != "" {
		cert, err := tls.X509KeyPair([]byte(t.CertPem), []byte(t.KeyPem))
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// subscribeAll (re)establishes the configured topic subscriptions.
// Paho re-invokes the connect handler after every reconnect, so this
// also restores state after a broker bounce.
func (d *Driver) subscribeAll(client pahomqtt.Client) {
	for i := range d.cfg.Subscriptions {
		sub := d.cfg.Subscriptions[i]
		if sub.Topic == "" {
			continue
		}
		token := client.Subscribe(sub.Topic, sub.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			d.ingest.handle(sub, msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(connectWait) || token.Error() != nil {
			logging.DebugLog("mqtt", "conn %s: subscribe %q failed: %v", d.cfg.ID, sub.Topic, token.Error())
		}
	}

	// Tag-path subscriptions: tags whose path is a raw topic.
	d.tagsMu.RLock()
	defer d.tagsMu.RUnlock()
	for _, t := range d.tags {
		tag := t
		token := client.Subscribe(tag.Path, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			d.ingest.handleTagTopic(tag, msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(connectWait) || token.Error() != nil {
			logging.DebugLog("mqtt", "conn %s: subscribe tag %d %q failed: %v", d.cfg.ID, tag.ID, tag.Path, token.Error())
		}
	}
}

func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	client := d.client
	d.client = nil
	d.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectWait)
	}
	return nil
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	return client != nil && client.IsConnectionOpen()
}

func (d *Driver) Kind() config.ConnKind { return config.KindMQTT }

// ApplyTagSubscriptions registers topic-addressed tags. Poll groups
// carry no rate meaning for MQTT; every active tag is subscribed.
func (d *Driver) ApplyTagSubscriptions(groups []driver.TagGroup) error {
	tags := make(map[int64]driver.Tag)
	for _, tg := range groups {
		for _, t := range tg.Tags {
			tags[t.ID] = t
		}
	}

	d.tagsMu.Lock()
	old := d.tags
	d.tags = tags
	d.tagsMu.Unlock()

	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return nil
	}

	// Unsubscribe topics that lost their tag, then (re)subscribe the
	// current set.
	for id, t := range old {
		if _, ok := tags[id]; !ok {
			client.Unsubscribe(t.Path)
		}
	}
	d.subscribeAll(client)
	return nil
}

func (d *Driver) lookupTopicTag(topic string) (driver.Tag, bool) {
	d.tagsMu.RLock()
	defer d.tagsMu.RUnlock()
	for _, t := range d.tags {
		if Match(topic, t.Path) {
			return t, true
		}
	}
	return driver.Tag{}, false
}

// ReadOne has no broker-side meaning; it reports the last retained
// state as unavailable.
func (d *Driver) ReadOne(ctx context.Context, tagIDs []int64) []driver.Observation {
	now := time.Now().UTC()
	out := make([]driver.Observation, 0, len(tagIDs))
	for _, id := range tagIDs {
		out = append(out, driver.Observation{
			ConnID: d.cfg.ID, TagID: id, Timestamp: now, Quality: driver.QualityUncertain,
		})
	}
	return out
}

// Write publishes each request's value to the tag's command topic
// (the tag path).
func (d *Driver) Write(ctx context.Context, reqs []driver.WriteRequest) []driver.WriteResult {
	out := make([]driver.WriteResult, 0, len(reqs))
	for _, r := range reqs {
		payload := fmt.Sprintf("%v", r.Value)
		err := d.PublishRaw(r.Path, []byte(payload), 0, false)
		out = append(out, driver.WriteResult{TagID: r.TagID, Err: err})
	}
	return out
}

// PublishRaw publishes one message. The publisher engine and Sparkplug
// egress both use this path.
func (d *Driver) PublishRaw(topic string, payload []byte, qos byte, retain bool) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return driver.ErrNotConnected
	}

	token := client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(driver.WriteTimeout) {
		return fmt.Errorf("mqtt %s: publish %q timeout", d.cfg.ID, topic)
	}
	return token.Error()
}

// Browse is unsupported; brokers expose no namespace.
func (d *Driver) Browse(ctx context.Context, node string) ([]driver.BrowseItem, error) {
	return nil, driver.ErrBrowseUnsupported
}

func (d *Driver) Observations() <-chan driver.Observation { return d.obs }

func (d *Driver) ListActiveTagIDs() []int64 {
	d.tagsMu.RLock()
	defer d.tagsMu.RUnlock()
	ids := make([]int64, 0, len(d.tags))
	for id := range d.tags {
		ids = append(ids, id)
	}
	return ids
}

func (d *Driver) RemoveTag(tagID int64) {
	d.tagsMu.Lock()
	t, ok := d.tags[tagID]
	delete(d.tags, tagID)
	d.tagsMu.Unlock()

	if !ok {
		return
	}
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil && client.IsConnectionOpen() {
		client.Unsubscribe(t.Path)
	}
}
