package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
)

const (
	// StreamName is the name of the change stream.
	StreamName = "CHANGES"

	// SubjectPrefix is the prefix for all change subjects.
	SubjectPrefix = "changes"

	feedBuffer = 256
)

// ChangeFeed publishes and consumes row change events.
type ChangeFeed struct {
	client *Client
	log    *logger.Logger
}

// NewChangeFeed creates a change feed on an established client.
func NewChangeFeed(client *Client, log *logger.Logger) *ChangeFeed {
	return &ChangeFeed{client: client, log: log}
}

// EnsureStream ensures the change stream exists.
func (f *ChangeFeed) EnsureStream(ctx context.Context) error {
	js := f.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Row changes of chats and messages",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// ChangeSubject returns the subject for a change event.
func ChangeSubject(userID, table string, typ model.ChangeType) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, token(userID), table, strings.ToLower(string(typ)))
}

// TableFilter returns the filter subject for every change of a user's table.
func TableFilter(userID, table string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(userID), table)
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// PublishChange publishes a change event to JetStream.
func (f *ChangeFeed) PublishChange(ctx context.Context, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	if _, err := f.client.JetStream().Publish(ctx, ChangeSubject(ev.UserID, ev.Table, ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Subscribe delivers the user's chat and message changes published from now
// on, one ordered consumer per table. Delivery stops when ctx ends; the
// channel is left open so readers must also watch ctx.
func (f *ChangeFeed) Subscribe(ctx context.Context, userID string) (<-chan model.ChangeEvent, error) {
	out := make(chan model.ChangeEvent, feedBuffer)
	var stops []jetstream.ConsumeContext

	for _, table := range []string{model.TableChats, model.TableMessages} {
		cc, err := f.consume(ctx, userID, table, out)
		if err != nil {
			for _, s := range stops {
				s.Stop()
			}
			return nil, err
		}
		stops = append(stops, cc)
	}

	go func() {
		<-ctx.Done()
		for _, s := range stops {
			s.Stop()
		}
	}()

	return out, nil
}

func (f *ChangeFeed) consume(ctx context.Context, userID, table string, out chan<- model.ChangeEvent) (jetstream.ConsumeContext, error) {
	consumer, err := f.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{TableFilter(userID, table)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s consumer: %w", table, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if ctx.Err() != nil {
			return
		}
		var ev model.ChangeEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			f.log.Warn("dropping malformed change", zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			ev.Sequence = meta.Sequence.Stream
			metrics.NATSConsumerPending.WithLabelValues(StreamName, table).Set(float64(meta.NumPending))
		}

		select {
		case out <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s changes: %w", table, err)
	}
	return cc, nil
}
