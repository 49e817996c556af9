package align

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Default MQTT client ID.
const DefaultClientID = "pointalign"

// RequestHandler is called for every message on the request topic.
// name is the topic level matched by the first "+" of the filter; err is set
// when the payload could not be decoded.
type RequestHandler func(name string, req *FitRequest, err error)

// MQTTClient manages the broker connection and the optional request
// subscription.
type MQTTClient struct {
	client      mqtt.Client
	config      MQTTConfig
	handler     RequestHandler
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.RWMutex
}

// ResolveMQTTConfig applies MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and
// MQTT_PASSWORD over cfg. Environment values win.
func ResolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		cfg.PublishPrefix = v
	}
	return cfg
}

// InitMQTT builds a paho client from config and the environment, and starts
// connecting in the background. With no broker configured MQTT is disabled
// and it returns nil, nil.
func InitMQTT(config *Config, handler RequestHandler) (*MQTTClient, error) {
	var base MQTTConfig
	if config != nil {
		base = config.MQTT
	}
	cfg := ResolveMQTTConfig(base)

	if cfg.Broker == "" {
		log.Println("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if cfg.RequestTopic != "" && handler == nil {
		return nil, fmt.Errorf("mqtt.requestTopic set but no request handler provided")
	}

	c := &MQTTClient{config: cfg, handler: handler, done: make(chan struct{})}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)

	go c.connectWithRetry()

	return c, nil
}

// NewMQTTClient wraps an existing client, for example a MockClient. The
// request subscription is made by calling OnConnect once the client is up.
func NewMQTTClient(client mqtt.Client, cfg MQTTConfig, handler RequestHandler) *MQTTClient {
	return &MQTTClient{
		client:      client,
		config:      cfg,
		handler:     handler,
		isConnected: client != nil && client.IsConnected(),
		done:        make(chan struct{}),
	}
}

// connectWithRetry dials the broker with exponential backoff until it
// succeeds or Disconnect is called.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Printf("[MQTT] Connecting to %s...", c.config.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying in %v...", retryDelay)
		select {
		case <-c.done:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// OnConnect subscribes to the request topic, if one is configured.
func (c *MQTTClient) OnConnect() error {
	c.setConnected(true)
	if c.config.RequestTopic == "" {
		return nil
	}

	token := c.client.Subscribe(c.config.RequestTopic, 1, c.createRequestHandler(c.config.RequestTopic))
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", c.config.RequestTopic, token.Error())
	}
	log.Printf("[MQTT] Subscribed to %s", c.config.RequestTopic)
	return nil
}

func (c *MQTTClient) onConnect(mqtt.Client) {
	if err := c.OnConnect(); err != nil {
		log.Printf("[MQTT] %v", err)
	}
}

// onConnectionLost is a transient event; auto-reconnect retries.
func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

func (c *MQTTClient) createRequestHandler(filter string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		name := requestName(filter, msg.Topic())
		payload := msg.Payload()
		log.Printf("[MQTT] Fit request for %s (topic: %s, size: %d bytes)", name, msg.Topic(), len(payload))

		var req FitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.handler(name, nil, fmt.Errorf("decoding fit request: %w", err))
			return
		}
		if req.Name == "" {
			req.Name = name
		}
		if err := req.Validate(); err != nil {
			c.handler(name, nil, err)
			return
		}
		c.handler(name, &req, nil)
	}
}

// requestName returns the topic level matched by the first "+" in filter,
// or the last topic level when the filter has no wildcard.
// Example: filter "pointalign/+/request", topic "pointalign/scan-7/request" -> "scan-7"
func requestName(filter, topic string) string {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "+" && i < len(tp) {
			return tp[i]
		}
	}
	return tp[len(tp)-1]
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops any pending retry and closes the connection.
func (c *MQTTClient) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting...")
		c.client.Disconnect(250) // 250ms quiesce time
	}
	c.setConnected(false)
}

// Config returns the resolved settings.
func (c *MQTTClient) Config() MQTTConfig {
	return c.config
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
