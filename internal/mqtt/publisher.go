package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/events"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

// payload is the JSON document published for each detection.
type payload struct {
	events.DetectionEvent
	Station string `json:"station,omitempty"`
}

// Publisher forwards detection events to the broker. It implements
// events.Consumer.
type Publisher struct {
	client  Client
	topic   string
	station string
	logger  logger.Logger
}

// NewPublisher returns a Publisher sending to <topic>/<source id>.
func NewPublisher(client Client, topic, station string) *Publisher {
	return &Publisher{
		client:  client,
		topic:   strings.TrimSuffix(topic, "/"),
		station: station,
		logger:  getLogger(),
	}
}

// Name implements events.Consumer.
func (p *Publisher) Name() string { return "mqtt" }

// Topic returns the topic an event from sourceID is published to.
func (p *Publisher) Topic(sourceID string) string {
	if sourceID == "" {
		return p.topic
	}
	return p.topic + "/" + sourceID
}

// ProcessDetection implements events.Consumer. A disconnected client is
// reconnected first; the client rate limits connection attempts.
func (p *Publisher) ProcessDetection(ctx context.Context, event events.DetectionEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	if !p.client.IsConnected() {
		if err := p.client.Connect(ctx); err != nil {
			p.logger.Debug("broker unavailable, skipping detection",
				logger.Uint64("detection_id", uint64(event.DetectionID)),
				logger.Error(err))
			return err
		}
	}

	data, err := json.Marshal(payload{DetectionEvent: event, Station: p.station})
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal").
			Build()
	}

	topic := p.Topic(event.SourceID)
	if err := p.client.Publish(ctx, topic, data); err != nil {
		return err
	}
	p.logger.Debug("published detection",
		logger.String("topic", topic),
		logger.Uint64("detection_id", uint64(event.DetectionID)))
	return nil
}
