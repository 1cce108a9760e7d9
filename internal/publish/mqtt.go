// Package publish forwards acquisition events to an MQTT broker.
package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/pmsdash/internal/acquisition"
	"github.com/shaunagostinho/pmsdash/internal/logger"
)

const (
	DefaultServer   = "tcp://localhost:1883"
	DefaultClientID = "pmsdash"
	DefaultTopic    = "pmsdash"

	publishTimeout = 2 * time.Second
)

// Config describes the broker connection.
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Server   string `yaml:"server" json:"server"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	// Topic is the prefix; readings go to <topic>/reading, state changes to
	// <topic>/state and finished runs to <topic>/run.
	Topic string `yaml:"topic" json:"topic"`
	QoS   byte   `yaml:"qos" json:"qos"`
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes JSON payloads for readings, state changes and run results.
type MQTT struct {
	client client
	topic  string
	qos    byte
	log    zerolog.Logger
}

// ReadingPayload is published once per reading.
type ReadingPayload struct {
	Index   int     `json:"index"`
	Elapsed float64 `json:"elapsed"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
}

// StatePayload is published, retained, on every state change.
type StatePayload struct {
	State      string `json:"state"`
	Samples    int    `json:"samples"`
	IntervalMs int    `json:"intervalMs"`
	Channel    string `json:"channel"`
	Unit       string `json:"unit"`
	Time       int64  `json:"time"`
}

// RunPayload summarizes a finished run.
type RunPayload struct {
	Outcome  string    `json:"outcome"`
	Error    string    `json:"error,omitempty"`
	Samples  int       `json:"samples"`
	Count    int       `json:"count"`
	Unit     string    `json:"unit"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Values   []float64 `json:"values"`
}

// NewMQTT connects to the broker described by cfg.
func NewMQTT(cfg Config) (*MQTT, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Server).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Server, token.Error())
	}
	m := newMQTT(c, cfg)
	m.log.Info().Str("server", cfg.Server).Str("topic", m.topic).Msg("connected")
	return m, nil
}

func newMQTT(c client, cfg Config) *MQTT {
	topic := strings.TrimSuffix(cfg.Topic, "/")
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTT{client: c, topic: topic, qos: cfg.QoS, log: logger.For("mqtt")}
}

// PublishReading sends one reading to <topic>/reading.
func (m *MQTT) PublishReading(r acquisition.Reading) error {
	return m.publish("reading", false, ReadingPayload{
		Index:   r.Index,
		Elapsed: r.Elapsed,
		Value:   r.Value,
		Unit:    r.Unit,
	})
}

// PublishState sends the run state and configuration, retained, to
// <topic>/state.
func (m *MQTT) PublishState(state acquisition.RunState, cfg acquisition.Config, at time.Time) error {
	return m.publish("state", true, StatePayload{
		State:      state.String(),
		Samples:    cfg.Samples,
		IntervalMs: cfg.IntervalMs,
		Channel:    cfg.Channel.String(),
		Unit:       cfg.Unit(),
		Time:       at.Unix(),
	})
}

// PublishRun sends a finished run with its values to <topic>/run.
func (m *MQTT) PublishRun(run acquisition.RunInfo, readings []acquisition.Reading) error {
	return m.publish("run", false, RunPayload{
		Outcome:  run.Outcome.String(),
		Error:    run.Error,
		Samples:  run.Config.Samples,
		Count:    len(readings),
		Unit:     run.Unit,
		Started:  run.StartedAt,
		Finished: run.FinishedAt,
		Values:   acquisition.Values(readings),
	})
}

// Handle routes a worker event to the matching publish call.
func (m *MQTT) Handle(ev acquisition.Event) error {
	switch ev.Kind {
	case acquisition.EventReading:
		return m.PublishReading(*ev.Reading)
	case acquisition.EventStateChanged, acquisition.EventConfigured:
		return m.PublishState(ev.State, ev.Config, ev.Time)
	case acquisition.EventRunFinished:
		return m.PublishRun(*ev.Run, ev.Readings)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) publish(sub string, retained bool, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	topic := m.topic + "/" + sub
	token := m.client.Publish(topic, m.qos, retained, b)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}
