package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"anpr-monitor/internal/config"
	"anpr-monitor/internal/domain/anpr"
)

const mqttPublishTimeout = 5 * time.Second

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher forwards persisted events to <topic>/<channel>.
type MQTTPublisher struct {
	client publisher
	topic  string
	qos    byte
	log    zerolog.Logger
}

func NewMQTTPublisher(cfg config.MQTTConfig, log zerolog.Logger) (*MQTTPublisher, mqtt.Client, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "anpr-monitor-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Str("client_id", clientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttPublishTimeout) {
		return nil, nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return newMQTTPublisher(client, cfg.Topic, cfg.QoS, log), client, nil
}

func newMQTTPublisher(client publisher, topic string, qos byte, log zerolog.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		topic:  strings.TrimRight(topic, "/"),
		qos:    qos,
		log:    log,
	}
}

func (p *MQTTPublisher) OnFrame(anpr.FrameUpdate) {}

func (p *MQTTPublisher) OnStatus(anpr.StatusUpdate) {}

func (p *MQTTPublisher) OnEvent(event anpr.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Int64("event_id", event.ID).Msg("failed to encode event")
		return
	}

	topic := p.topic + "/" + topicSegment(event.Channel)
	token := p.client.Publish(topic, p.qos, false, payload)
	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			p.log.Warn().Str("topic", topic).Int64("event_id", event.ID).Msg("mqtt publish timeout")
			return
		}
		if err := token.Error(); err != nil {
			p.log.Error().Err(err).Str("topic", topic).Int64("event_id", event.ID).Msg("mqtt publish failed")
		}
	}()
}

// topicSegment keeps channel names from introducing extra topic levels or wildcards.
func topicSegment(channel string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	return r.Replace(channel)
}
