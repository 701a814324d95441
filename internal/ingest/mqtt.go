package ingest

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"diagnet/internal/config"
	"diagnet/internal/metrics"
)

// SubscriberState follows Disconnected -> Connecting -> Connected and back
// on broker loss; shutdown passes through Draining.
type SubscriberState int32

const (
	StateDisconnected SubscriberState = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s SubscriberState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	}
	return "disconnected"
}

const (
	reconnectInitial = 1 * time.Second
	reconnectMax     = 60 * time.Second
	reconnectJitter  = 0.2
)

// Subscriber owns the MQTT 3.1.1 session: it connects with its own
// jittered exponential backoff, subscribes the configured patterns on
// every successful connect, and feeds each message into the pipeline.
type Subscriber struct {
	cfg      config.MQTTConfig
	pipeline *Pipeline
	logger   *slog.Logger
	client   mqtt.Client
	state    atomic.Int32
	lost     chan struct{}
}

func NewSubscriber(cfg config.MQTTConfig, pipeline *Pipeline, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger,
		lost:     make(chan struct{}, 1),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetKeepAlive(time.Duration(cfg.KeepaliveS) * time.Second).
		// the paho-internal reconnect stays off either way; Run owns
		// the cycle so the backoff is jittered and observable
		SetAutoReconnect(false).
		SetConnectTimeout(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setState(StateDisconnected)
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
		select {
		case s.lost <- struct{}{}:
		default:
		}
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setState(StateConnected)
		s.subscribeAll(c)
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Run blocks until ctx ends, managing the connect/reconnect cycle. The
// backoff doubles from 1s to 60s with +/-20% jitter; it is reset after
// every successful connect. With auto_reconnect off, the first failed
// connect or broker loss ends the subscriber instead.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := reconnectInitial
	for {
		if ctx.Err() != nil {
			s.shutdown()
			return
		}
		s.setState(StateConnecting)
		if s.logger != nil {
			s.logger.Info("connecting to mqtt broker", "broker", s.cfg.BrokerURL)
		}
		token := s.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			metrics.MQTTReconnects.Inc()
			s.setState(StateDisconnected)
			if !s.cfg.AutoReconnect {
				if s.logger != nil {
					s.logger.Error("mqtt connect failed, reconnect disabled", "err", err)
				}
				s.shutdown()
				return
			}
			if s.logger != nil {
				s.logger.Warn("mqtt connect failed", "err", err, "retry_in", backoff)
			}
			if !BackoffSleep(ctx, jittered(backoff)) {
				s.shutdown()
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectInitial

		// connected; wait for loss or shutdown
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.lost:
			metrics.MQTTReconnects.Inc()
			if !s.cfg.AutoReconnect {
				if s.logger != nil {
					s.logger.Error("mqtt connection lost, reconnect disabled")
				}
				s.shutdown()
				return
			}
			if !BackoffSleep(ctx, jittered(backoff)) {
				s.shutdown()
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

func (s *Subscriber) subscribeAll(c mqtt.Client) {
	for _, topic := range s.cfg.Topics {
		topic := topic
		token := c.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
			// ack happens on return from this handler; persistence is
			// asynchronous and redelivery is acceptable
			_ = s.pipeline.Handle(context.Background(), "mqtt", MachineIDFromTopic(m.Topic()), m.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			if s.logger != nil {
				s.logger.Error("mqtt subscribe failed", "topic", topic, "err", err)
			}
			continue
		}
		if s.logger != nil {
			s.logger.Info("subscribed", "topic", topic)
		}
	}
}

func (s *Subscriber) shutdown() {
	s.setState(StateDraining)
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.setState(StateDisconnected)
}

func (s *Subscriber) State() SubscriberState {
	return SubscriberState(s.state.Load())
}

func (s *Subscriber) setState(st SubscriberState) {
	s.state.Store(int32(st))
}

// MachineIDFromTopic extracts the identifier from machine/<id>/data
// topics. Other shapes yield no identifier and skip the identity check.
func MachineIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "machine" && parts[2] == "data" {
		return parts[1]
	}
	return ""
}

func jittered(d time.Duration) time.Duration {
	f := 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}
