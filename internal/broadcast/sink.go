// Package broadcast implements the outbound transport: each replayed
// stream becomes one MQTT topic pair, a retained stream announcement on
// <prefix>/<source_id>/info and a sample feed on <prefix>/<source_id>/samples.
// Consumers subscribe to the feeds as if they were live sources.
package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"xdf-rebroadcaster/internal/rebroadcast"
)

// Config holds the MQTT connection settings for a sink factory.
type Config struct {
	Broker      string // e.g. "tcp://localhost:1883"
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // defaults to "xdf"
	QoS         byte
}

// Factory creates MQTT-backed broadcast sinks. It implements
// rebroadcast.SinkFactory.
type Factory struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// Connect dials the broker and returns a ready Factory.
func Connect(cfg Config) (*Factory, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return NewFactory(client, cfg.TopicPrefix, cfg.QoS), nil
}

// NewFactory wraps an already connected client. Useful for tests and for
// sharing one client between collaborators.
func NewFactory(client mqtt.Client, prefix string, qos byte) *Factory {
	if prefix == "" {
		prefix = "xdf"
	}
	return &Factory{client: client, prefix: prefix, qos: qos}
}

// announcement is the retained per-stream metadata message.
type announcement struct {
	Name         string                        `json:"name"`
	Type         string                        `json:"type"`
	SourceID     string                        `json:"source_id"`
	ChannelCount int                           `json:"channel_count"`
	NominalSRate float64                       `json:"nominal_srate"`
	Encoding     rebroadcast.Encoding          `json:"channel_format"`
	Channels     []rebroadcast.ChannelMetadata `json:"channels,omitempty"`
}

// samplePayload is one published sample row.
type samplePayload struct {
	Seq    uint64    `json:"seq"`
	Values []float64 `json:"values"`
}

// CreateSink implements rebroadcast.SinkFactory. The stream descriptor is
// published as a retained announcement so late subscribers still discover
// the stream; per-channel metadata rides along as sink-level annotations.
// An empty sourceID falls back to the deterministic default derived from
// the stream name.
func (f *Factory) CreateSink(desc rebroadcast.StreamDescriptor, sourceID string) (rebroadcast.Sink, error) {
	if !desc.Encoding.Numeric() {
		return nil, fmt.Errorf("%w: %q cannot be broadcast over MQTT sample feeds", rebroadcast.ErrUnsupportedEncoding, desc.Encoding)
	}
	if sourceID == "" {
		sourceID = rebroadcast.DefaultSourceID(desc.Name)
	}

	base := f.prefix + "/" + sanitizeTopic(sourceID)
	info := announcement{
		Name:         desc.Name,
		Type:         desc.Type,
		SourceID:     sourceID,
		ChannelCount: desc.ChannelCount,
		NominalSRate: desc.SamplingRate,
		Encoding:     desc.Encoding,
		Channels:     desc.Channels,
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshaling announcement for %q: %w", desc.Name, err)
	}
	if token := f.client.Publish(base+"/info", f.qos, true, payload); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("announcing stream %q: %w", desc.Name, token.Error())
	}

	return &sink{client: f.client, infoTopic: base + "/info", topic: base + "/samples", qos: f.qos}, nil
}

// Close disconnects the underlying MQTT client.
func (f *Factory) Close() {
	f.client.Disconnect(250)
}

// sink publishes sample rows for one stream.
type sink struct {
	client    mqtt.Client
	infoTopic string
	topic     string
	qos       byte
	seq       atomic.Uint64
}

// Push implements rebroadcast.Sink.
func (s *sink) Push(sample []float64) error {
	payload, err := json.Marshal(samplePayload{Seq: s.seq.Add(1), Values: sample})
	if err != nil {
		return fmt.Errorf("marshaling sample: %w", err)
	}
	if token := s.client.Publish(s.topic, s.qos, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing sample: %w", token.Error())
	}
	return nil
}

// Close clears the retained announcement so consumers stop discovering the
// stream once its replay is torn down.
func (s *sink) Close() error {
	if token := s.client.Publish(s.infoTopic, s.qos, true, []byte{}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("clearing announcement: %w", token.Error())
	}
	return nil
}

// sanitizeTopic replaces characters that are MQTT topic separators or
// wildcards, plus whitespace, so stream names cannot break topic routing.
func sanitizeTopic(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
