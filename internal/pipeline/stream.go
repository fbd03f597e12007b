package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/factline/factline/internal/journal"
	"github.com/factline/factline/internal/model"
)

// Consumer feeds a pipeline from a journal topic. The consumption
// offset advances only after the batch reached a terminal non-failed
// status, so a crash or a failed batch replays the same subjects on
// restart. Delivery is at least once; the missing filter makes the
// replay cheap.
type Consumer struct {
	pipe     *Pipeline
	follower *journal.Follower
	log      *slog.Logger
}

// NewConsumer builds a consumer over dir/<topic> for the given group.
func NewConsumer(pipe *Pipeline, cfg journal.FollowerConfig, log *slog.Logger) (*Consumer, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := journal.NewFollower(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Consumer{pipe: pipe, follower: f, log: log}, nil
}

// Offset reports the committed byte offset for the consumer's group.
func (c *Consumer) Offset() (int64, error) { return c.follower.Offset() }

// Run consumes until ctx is cancelled. Stops only between batches.
func (c *Consumer) Run(ctx context.Context) error {
	return c.follower.Run(ctx, func(ctx context.Context, events []journal.Event) error {
		subjects := make([]model.Subject, 0, len(events))
		for _, ev := range events {
			s, err := decodeSubject(ev)
			if err != nil {
				c.log.Warn("skipping_undecodable_event",
					slog.String("topic", ev.Topic),
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()))
				continue
			}
			subjects = append(subjects, s)
		}
		if len(subjects) == 0 {
			return nil
		}
		summary, err := c.pipe.Run(ctx, subjects)
		if err != nil {
			return err
		}
		if summary.Status == StatusFailed {
			return fmt.Errorf("batch %s failed, holding offset", summary.BatchID)
		}
		return nil
	})
}

// decodeSubject accepts either a bare JSON string or an object with a
// "subject" member, which is what the storage mirror writes.
func decodeSubject(ev journal.Event) (model.Subject, error) {
	var s string
	if err := json.Unmarshal(ev.Value, &s); err == nil {
		return model.Subject(s), nil
	}
	var obj struct {
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal(ev.Value, &obj); err != nil {
		return "", err
	}
	if obj.Subject == "" {
		return "", fmt.Errorf("event carries no subject")
	}
	return model.Subject(obj.Subject), nil
}
