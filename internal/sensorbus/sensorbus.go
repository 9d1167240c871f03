// Package sensorbus connects the controller to the home's MQTT broker. It
// caches the latest reading per subscribed topic so scheduling passes work
// off a consistent snapshot, and publishes switch commands.
package sensorbus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout = 10 * time.Second
	publishQoS     = 1
	subscribeQoS   = 1
)

// Reading is the last value seen on a numeric sensor topic.
type Reading struct {
	Value      float64
	ReceivedAt time.Time
}

// Bus wraps the MQTT client with a topic-keyed reading cache.
type Bus struct {
	client mqtt.Client

	mu       sync.RWMutex
	readings map[string]Reading
	states   map[string]bool

	onChange func(topic string)
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

func Connect(cfg Config) (*Bus, error) {
	b := &Bus{
		readings: make(map[string]Reading),
		states:   make(map[string]bool),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return b, nil
}

// SetChangeHandler registers a callback invoked after any cached value
// changes. The callback runs on the MQTT client goroutine and must not
// block.
func (b *Bus) SetChangeHandler(fn func(topic string)) {
	b.onChange = fn
}

// SubscribeReading subscribes a topic whose payload is a number (watts,
// degrees). Non-numeric payloads are dropped.
func (b *Bus) SubscribeReading(topic string) error {
	if topic == "" {
		return nil
	}
	token := b.client.Subscribe(topic, subscribeQoS, func(_ mqtt.Client, msg mqtt.Message) {
		value, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64)
		if err != nil {
			log.Debug().Str("topic", msg.Topic()).Msg("Dropping non-numeric sensor payload")
			return
		}
		b.mu.Lock()
		b.readings[msg.Topic()] = Reading{Value: value, ReceivedAt: time.Now()}
		b.mu.Unlock()
		if b.onChange != nil {
			b.onChange(msg.Topic())
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	log.Debug().Str("topic", topic).Msg("Subscribed to sensor topic")
	return nil
}

// SubscribeSwitchState subscribes a topic whose payload is ON/OFF (or
// true/false, 1/0).
func (b *Bus) SubscribeSwitchState(topic string) error {
	if topic == "" {
		return nil
	}
	token := b.client.Subscribe(topic, subscribeQoS, func(_ mqtt.Client, msg mqtt.Message) {
		on, ok := parseSwitchPayload(string(msg.Payload()))
		if !ok {
			log.Debug().Str("topic", msg.Topic()).Msg("Dropping unrecognised switch payload")
			return
		}
		b.mu.Lock()
		b.states[msg.Topic()] = on
		b.mu.Unlock()
		if b.onChange != nil {
			b.onChange(msg.Topic())
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	log.Debug().Str("topic", topic).Msg("Subscribed to switch state topic")
	return nil
}

func parseSwitchPayload(payload string) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case "ON", "TRUE", "1":
		return true, true
	case "OFF", "FALSE", "0":
		return false, true
	}
	return false, false
}

// Reading returns the last cached value for a numeric topic.
func (b *Bus) Reading(topic string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.readings[topic]
	return r.Value, ok
}

// ReadingAge returns how long ago the topic last reported.
func (b *Bus) ReadingAge(topic string, now time.Time) (time.Duration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.readings[topic]
	if !ok {
		return 0, false
	}
	return now.Sub(r.ReceivedAt), true
}

// SwitchState returns the last cached on/off state for a topic.
func (b *Bus) SwitchState(topic string) (bool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	on, ok := b.states[topic]
	return on, ok
}

// PublishSwitch sends an ON or OFF command to a device command topic.
func (b *Bus) PublishSwitch(topic string, on bool) error {
	payload := "OFF"
	if on {
		payload = "ON"
	}
	token := b.client.Publish(topic, publishQoS, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (b *Bus) Close() {
	b.client.Disconnect(250)
	log.Info().Msg("MQTT disconnected")
}
