package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/julienar/ixcharged/internal/charger"
	"github.com/julienar/ixcharged/internal/ixapi"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"

	commandTimeout = ixapi.DefaultTimeout
)

// Device is the charger surface exposed over MQTT
type Device interface {
	SerialNumber() string
	Available() bool
	Points() []charger.Readable
	Subscribe(fn func())
	Write(ctx context.Context, pointID string, value ixapi.Value) error
	HandleWrite(ctx context.Context, pointID string, payload string) error
}

// CommandRequest is the JSON form of a set command
type CommandRequest struct {
	Value         ixapi.Value `json:"value"`
	ResponseTopic string      `json:"response_topic,omitempty"` // Optional topic to publish response to
}

// CommandResponse represents an MQTT command response
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Settings holds the broker connection settings
type Settings struct {
	Broker      string
	Port        int
	Username    string
	Password    string
	ClientID    string // Empty: "ixcharged-<random>"
	TopicPrefix string
}

// MqttHandler publishes point state and routes set commands to the device
type MqttHandler struct {
	client      mqtt.Client
	topicPrefix string
	serial      string
	logger      *zap.Logger

	mu        sync.Mutex
	stateMu   sync.Mutex // held across read and publish so states go out in order
	device    Device
	published map[string]string // topic -> last payload
}

// DefaultClientID returns a client id unique to this process
func DefaultClientID() string {
	return "ixcharged-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewMqttHandler connects to the broker. The availability topic of serial is
// registered as last will so the broker marks the charger offline if the
// process dies.
func NewMqttHandler(settings Settings, serial string, logger *zap.Logger) (*MqttHandler, error) {
	span := tracer.StartSpan("mqtt.new_handler")
	defer span.Finish()

	clientID := settings.ClientID
	if clientID == "" {
		clientID = DefaultClientID()
	}

	h := &MqttHandler{
		topicPrefix: settings.TopicPrefix,
		serial:      serial,
		logger:      logger,
		published:   make(map[string]string),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", settings.Broker, settings.Port))
	opts.SetClientID(clientID)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
	}
	if settings.Password != "" {
		opts.SetPassword(settings.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	// Writes block on the cloud API; don't stall the router
	opts.SetOrderMatters(false)
	opts.SetWill(h.availabilityTopic(), availabilityOffline, 1, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT connected to broker", zap.String("broker", settings.Broker))
		h.onConnect()
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	h.client = mqtt.NewClient(opts)
	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("MQTT handler initialized",
		zap.String("broker", settings.Broker),
		zap.String("client_id", clientID),
		zap.String("topic_prefix", settings.TopicPrefix))

	return h, nil
}

func newHandler(client mqtt.Client, topicPrefix, serial string, logger *zap.Logger) *MqttHandler {
	return &MqttHandler{
		client:      client,
		topicPrefix: topicPrefix,
		serial:      serial,
		logger:      logger,
		published:   make(map[string]string),
	}
}

func (h *MqttHandler) baseTopic() string {
	return fmt.Sprintf("%s/chargers/%s", h.topicPrefix, h.serial)
}

func (h *MqttHandler) availabilityTopic() string {
	return h.baseTopic() + "/availability"
}

// StateTopic returns the retained state topic of a point
func (h *MqttHandler) StateTopic(pointID string) string {
	return fmt.Sprintf("%s/%s", h.baseTopic(), pointID)
}

// CommandTopic returns the set topic of a writable point
func (h *MqttHandler) CommandTopic(pointID string) string {
	return h.StateTopic(pointID) + "/set"
}

// Start binds the device: it subscribes to the set topics, publishes the
// current state and republishes on every snapshot change.
func (h *MqttHandler) Start(device Device) error {
	h.mu.Lock()
	h.device = device
	h.mu.Unlock()

	if err := h.subscribeToCommands(); err != nil {
		return err
	}

	device.Subscribe(h.PublishState)
	h.PublishState()
	return nil
}

// onConnect restores subscriptions and state after a (re)connect
func (h *MqttHandler) onConnect() {
	h.mu.Lock()
	bound := h.device != nil
	// the broker may have lost retained state; publish everything again
	h.published = make(map[string]string)
	h.mu.Unlock()

	if !bound {
		return
	}
	if err := h.subscribeToCommands(); err != nil {
		h.logger.Error("Failed to resubscribe", zap.Error(err))
	}
	h.PublishState()
}

// subscribeToCommands subscribes to {prefix}/chargers/{serial}/+/set
func (h *MqttHandler) subscribeToCommands() error {
	commandTopic := h.CommandTopic("+")
	token := h.client.Subscribe(commandTopic, 1, h.handleCommandMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", commandTopic, token.Error())
	}

	h.logger.Info("Subscribed to MQTT command topics", zap.String("topic", commandTopic))
	return nil
}

// handleCommandMessage processes incoming MQTT command messages
func (h *MqttHandler) handleCommandMessage(client mqtt.Client, msg mqtt.Message) {
	h.mu.Lock()
	device := h.device
	h.mu.Unlock()
	if device == nil {
		return
	}

	span := tracer.StartSpan("mqtt.handle_command", tracer.Tag("topic", msg.Topic()))
	defer span.Finish()

	topic := msg.Topic()
	payload := strings.TrimSpace(string(msg.Payload()))

	h.logger.Debug("Received MQTT command", zap.String("topic", topic), zap.String("payload", payload))

	// Parse topic: {prefix}/chargers/{serial}/{pointID}/set
	prefix := h.baseTopic() + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/set") {
		h.logger.Warn("Invalid command topic format", zap.String("topic", topic))
		return
	}
	pointID := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/set")
	if pointID == "" || strings.Contains(pointID, "/") {
		h.logger.Warn("Invalid command topic format", zap.String("topic", topic))
		return
	}
	span.SetTag("point", pointID)

	ctx, cancel := context.WithTimeout(tracer.ContextWithSpan(context.Background(), span), commandTimeout)
	defer cancel()

	var (
		err           error
		responseTopic string
	)
	if strings.HasPrefix(payload, "{") {
		var req CommandRequest
		if err = json.Unmarshal([]byte(payload), &req); err == nil {
			responseTopic = req.ResponseTopic
			err = device.Write(ctx, pointID, req.Value)
		} else {
			err = fmt.Errorf("invalid command payload: %w", err)
		}
	} else {
		err = device.HandleWrite(ctx, pointID, payload)
	}

	var resp CommandResponse
	if err != nil {
		span.SetTag("error", err)
		h.logger.Warn("Command failed", zap.String("point", pointID), zap.Error(err))
		resp = CommandResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to set %s", pointID),
			Error:   err.Error(),
		}
	} else {
		resp = CommandResponse{
			Success: true,
			Message: fmt.Sprintf("%s set", pointID),
		}
	}

	// Publish response if response_topic is provided
	if responseTopic != "" {
		respJSON, err := json.Marshal(resp)
		if err != nil {
			h.logger.Error("Failed to marshal command response", zap.Error(err))
			return
		}

		token := h.client.Publish(responseTopic, 0, false, respJSON) // QoS 0, not retained
		if token.Wait() && token.Error() != nil {
			h.logger.Error("Failed to publish command response",
				zap.String("topic", responseTopic),
				zap.Error(token.Error()))
		} else {
			h.logger.Debug("Published command response",
				zap.String("topic", responseTopic),
				zap.Bool("success", resp.Success))
		}
	}
}

// PublishState publishes availability and every available point. Payloads
// equal to the last published one are skipped.
func (h *MqttHandler) PublishState() {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	h.mu.Lock()
	device := h.device
	h.mu.Unlock()
	if device == nil {
		return
	}

	span := tracer.StartSpan("mqtt.publish_state", tracer.Tag("serial", h.serial))
	defer span.Finish()

	availability := availabilityOffline
	if device.Available() {
		availability = availabilityOnline
	}
	_ = h.publish(h.availabilityTopic(), availability)

	for _, p := range device.Points() {
		v, ok := p.Read()
		if !ok {
			continue
		}
		_ = h.publish(h.StateTopic(p.ID()), v)

		if attrs := p.Attributes(); attrs != nil {
			raw, err := json.Marshal(attrs)
			if err != nil {
				h.logger.Error("Failed to marshal attributes", zap.String("point", p.ID()), zap.Error(err))
				continue
			}
			_ = h.publishRaw(h.StateTopic(p.ID())+"/attributes", raw)
		}
	}
}

func (h *MqttHandler) changed(topic, payload string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.published[topic]; ok && last == payload {
		return false
	}
	h.published[topic] = payload
	return true
}

// formatPayload renders a point value as MQTT text
func formatPayload(value any) string {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// publish publishes a value to a topic (handles different types)
func (h *MqttHandler) publish(topic string, value any) error {
	payload := formatPayload(value)
	if !h.changed(topic, payload) {
		return nil
	}

	token := h.client.Publish(topic, 0, true, payload) // QoS 0, retained
	if token.Wait() && token.Error() != nil {
		h.forget(topic)
		h.logger.Error("Failed to publish MQTT message", zap.String("topic", topic), zap.Error(token.Error()))
		return token.Error()
	}

	h.logger.Debug("Published MQTT message", zap.String("topic", topic), zap.String("payload", payload))
	return nil
}

// publishRaw publishes raw bytes to a topic
func (h *MqttHandler) publishRaw(topic string, payload []byte) error {
	if !h.changed(topic, string(payload)) {
		return nil
	}

	token := h.client.Publish(topic, 0, true, payload) // QoS 0, retained
	if token.Wait() && token.Error() != nil {
		h.forget(topic)
		h.logger.Error("Failed to publish MQTT message", zap.String("topic", topic), zap.Error(token.Error()))
		return token.Error()
	}

	h.logger.Debug("Published MQTT message", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

func (h *MqttHandler) forget(topic string) {
	h.mu.Lock()
	delete(h.published, topic)
	h.mu.Unlock()
}

// Close marks the charger offline and closes the MQTT connection
func (h *MqttHandler) Close() {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Publish(h.availabilityTopic(), 1, true, availabilityOffline)
		token.WaitTimeout(time.Second)
		h.client.Disconnect(250)
		h.logger.Info("MQTT handler closed")
	}
}
