// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mqttsink publishes request events to an MQTT broker.
package mqttsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	modbus "github.com/edgeo-scada/modbus-sim"
)

// Publisher is the subset of mqtt.Client used by Sink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config configures Dial.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Timeout  time.Duration
}

// DefaultQueueSize is the number of events a Sink buffers while the broker
// is slow.
const DefaultQueueSize = 256

// Sink is a modbus.RequestSink publishing every event as JSON. Events are
// queued and published from a background goroutine; when the queue is full
// new events are dropped and counted.
type Sink struct {
	pub     Publisher
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	queue   chan modbus.RequestEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped modbus.Counter
}

var _ modbus.RequestSink = (*Sink)(nil)

// Message is the JSON payload published for each event.
type Message struct {
	Time          time.Time `json:"time"`
	Remote        string    `json:"remote"`
	TransactionID uint16    `json:"transaction_id"`
	UnitID        uint8     `json:"unit_id"`
	FunctionCode  uint8     `json:"function_code"`
	Address       uint16    `json:"address"`
	Count         uint16    `json:"count"`
	Line          string    `json:"line"`
}

// New creates a Sink publishing through pub and starts its publish loop.
// Close stops it.
func New(pub Publisher, topic string, qos byte, timeout time.Duration, logger *slog.Logger) *Sink {
	return newSink(pub, topic, qos, timeout, logger, DefaultQueueSize)
}

func newSink(pub Publisher, topic string, qos byte, timeout time.Duration, logger *slog.Logger, size int) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Sink{
		pub:     pub,
		topic:   topic,
		qos:     qos,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan modbus.RequestEvent, size),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Dial connects to cfg.Broker and returns a Sink using that connection.
func Dial(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttsink: broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqttsink: topic required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", slog.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqttsink: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqttsink: connect: %w", err)
	}

	s := New(client, cfg.Topic, cfg.QoS, cfg.Timeout, logger)
	s.client = client
	return s, nil
}

// HandleRequest implements modbus.RequestSink. It never blocks: the event is
// queued for publishing, or dropped when the queue is full or the sink is
// closed.
func (s *Sink) HandleRequest(e modbus.RequestEvent) {
	select {
	case <-s.done:
		s.dropped.Add(1)
		return
	default:
	}

	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
		if n := s.dropped.Value(); n%100 == 1 {
			s.logger.Warn("mqtt queue full, dropping events",
				slog.String("topic", s.topic),
				slog.Int64("dropped", n))
		}
	}
}

// Dropped returns the number of events that were not queued.
func (s *Sink) Dropped() int64 {
	return s.dropped.Value()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e := <-s.queue:
			s.publish(e)
		}
	}
}

func (s *Sink) publish(e modbus.RequestEvent) {
	payload, err := json.Marshal(NewMessage(e))
	if err != nil {
		s.logger.Error("mqtt encode error", slog.String("error", err.Error()))
		return
	}

	token := s.pub.Publish(s.topic, s.qos, false, payload)
	if !token.WaitTimeout(s.timeout) {
		s.logger.Warn("mqtt publish timeout", slog.String("topic", s.topic))
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Warn("mqtt publish error",
			slog.String("topic", s.topic),
			slog.String("error", err.Error()))
	}
}

// Close stops the publish loop, discarding queued events, and disconnects a
// Sink created by Dial. It waits for an in-flight publish to finish.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.client != nil {
			s.client.Disconnect(250)
		}
	})
}

// NewMessage converts an event to its published form.
func NewMessage(e modbus.RequestEvent) Message {
	return Message{
		Time:          e.Time,
		Remote:        e.Remote,
		TransactionID: e.TransactionID,
		UnitID:        uint8(e.UnitID),
		FunctionCode:  uint8(e.FunctionCode),
		Address:       e.Address,
		Count:         e.Count,
		Line:          e.String(),
	}
}
