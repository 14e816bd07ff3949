package align

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// RequestHandler is called for every alignment request received over MQTT.
type RequestHandler func(job MeshJob)

// MQTTClient owns the broker connection and the request subscription.
type MQTTClient struct {
	client      mqtt.Client
	prefix      string
	onRequest   RequestHandler
	isConnected bool
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewMQTTClient builds a client from cfg. MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME and MQTT_PASSWORD override the config. Without a broker it
// returns nil, nil and MQTT stays disabled.
func NewMQTTClient(cfg MQTTConfig, onRequest RequestHandler, logger *zap.Logger) (*MQTTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")

	broker := envOr("MQTT_BROKER", cfg.Broker)
	if broker == "" {
		logger.Info("MQTT disabled: no broker configured")
		return nil, nil
	}

	c := &MQTTClient{
		prefix:    cfg.PublishPrefix,
		onRequest: onRequest,
		logger:    logger,
	}
	if c.prefix == "" {
		c.prefix = "facealign"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	clientID := envOr("MQTT_CLIENT_ID", cfg.ClientID)
	if clientID == "" {
		clientID = "facealign"
	}
	opts.SetClientID(clientID)
	if username := envOr("MQTT_USERNAME", cfg.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", cfg.Password))
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

	c.client = mqtt.NewClient(opts)
	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newMQTTClientWithMock wraps an existing mqtt.Client.
func newMQTTClientWithMock(client mqtt.Client, prefix string, onRequest RequestHandler) *MQTTClient {
	return &MQTTClient{client: client, prefix: prefix, onRequest: onRequest, logger: zap.NewNop()}
}

// Connect connects with exponential backoff until it succeeds or stop is
// closed.
func (c *MQTTClient) Connect(stop <-chan struct{}) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info("connecting to MQTT broker")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.Warn("MQTT connection failed", zap.Error(token.Error()))
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		select {
		case <-stop:
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// RequestTopic is where alignment requests are received.
func (c *MQTTClient) RequestTopic() string {
	return c.prefix + "/request"
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	c.subscribe(client)
}

func (c *MQTTClient) subscribe(client mqtt.Client) {
	if c.onRequest == nil {
		return
	}
	topic := c.RequestTopic()
	token := client.Subscribe(topic, 0, c.handleRequest)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.Warn("subscribing", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}
	c.logger.Info("subscribed", zap.String("topic", topic))
}

// handleRequest accepts {"id": "...", "path": "...", "category": "..."}.
// The id defaults to the file name.
func (c *MQTTClient) handleRequest(_ mqtt.Client, msg mqtt.Message) {
	job, err := decodeRequest(msg.Payload())
	if err != nil {
		c.logger.Warn("ignoring alignment request", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	c.logger.Info("alignment requested", zap.String("mesh", job.ID), zap.String("path", job.Path))
	c.onRequest(job)
}

func decodeRequest(payload []byte) (MeshJob, error) {
	var job MeshJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return MeshJob{}, fmt.Errorf("decoding request: %w", err)
	}
	if job.Path == "" {
		return MeshJob{}, fmt.Errorf("request has no path")
	}
	if job.ID == "" {
		job.ID = meshIDFromPath(job.Path)
	}
	return job, nil
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("MQTT connection interrupted, auto-reconnect will retry", zap.Error(err))
	c.setConnected(false)
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

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}
