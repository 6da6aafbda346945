package detector

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// MQTTSubscriber receives readings published by roadside units. The lane id may come
// from the payload or from a topic of the form .../lanes/<id>/...
type MQTTSubscriber struct {
	cfg    MQTTConfig
	client mqtt.Client
	sink   Sink
	log    *slog.Logger
}

func NewMQTTSubscriber(cfg MQTTConfig, sink Sink, log *slog.Logger) (*MQTTSubscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker must not be empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &MQTTSubscriber{cfg: cfg, sink: sink, log: log}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			// subscriptions do not survive a reconnect with a clean session
			if err := s.subscribe(c); err != nil {
				s.log.Error("mqtt subscribe failed", "topic", cfg.Topic, "err", err)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn("mqtt connection lost", "err", err)
		})
	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Start connects to the broker. The topic is subscribed on every (re)connect.
func (s *MQTTSubscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect to %s: timeout", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.cfg.Broker, err)
	}
	s.log.Info("mqtt detector feed connected", "broker", s.cfg.Broker, "topic", s.cfg.Topic)
	return nil
}

func (s *MQTTSubscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	token.Wait()
	return token.Error()
}

func (s *MQTTSubscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	r, err := Decode(msg.Payload(), laneFromTopic(msg.Topic()))
	if err != nil {
		s.log.Warn("mqtt message dropped", "topic", msg.Topic(), "err", err)
		return
	}
	if err := Apply(s.sink, r); err != nil {
		s.log.Warn("mqtt reading rejected", "lane", r.LaneID, "err", err)
		return
	}
	s.log.Debug("detector reading", "lane", r.LaneID, "vehicles", r.VehicleCount, "emergency", r.HasEmergency)
}

// Close disconnects, giving in-flight work a quarter second.
func (s *MQTTSubscriber) Close() {
	s.client.Disconnect(250)
}
