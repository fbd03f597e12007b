package journal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	ferrors "github.com/factline/factline/internal/errors"
)

// FollowerConfig configures a topic follower.
type FollowerConfig struct {
	// Dir is the journal directory.
	Dir string
	// Topic is the topic to consume.
	Topic string
	// Group names the consumer group; the committed offset is kept per
	// (topic, group) so independent consumers do not share progress.
	Group string
	// BatchSize caps the number of events handed to the handler at once.
	BatchSize int
	// MaxWait bounds how long the follower sleeps when the topic is idle
	// and no filesystem notification arrives.
	MaxWait time.Duration
}

func (c *FollowerConfig) useDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
}

// Handler processes one batch of events. A nil return acknowledges the
// batch and advances the committed offset; an error stops the follower
// with the offset unchanged, so the batch is redelivered on restart.
type Handler func(ctx context.Context, events []Event) error

// Follower is an at-least-once consumer of one topic. The committed
// offset only ever advances past events whose handler returned nil, and
// the stop signal is honored between batches, never mid-batch.
type Follower struct {
	cfg FollowerConfig
	log *slog.Logger
}

// NewFollower validates the config and returns a follower.
func NewFollower(cfg FollowerConfig, log *slog.Logger) (*Follower, error) {
	if !ValidTopic(cfg.Topic) {
		return nil, ferrors.Argumentf("invalid journal topic %q", cfg.Topic)
	}
	if cfg.Group == "" || strings.ContainsRune(cfg.Group, os.PathSeparator) {
		return nil, ferrors.Argumentf("invalid consumer group %q", cfg.Group)
	}
	cfg.useDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Follower{cfg: cfg, log: log}, nil
}

func (f *Follower) offsetPath() string {
	return filepath.Join(f.cfg.Dir, fmt.Sprintf("%s.%s.offset", f.cfg.Topic, f.cfg.Group))
}

// Offset returns the committed offset for the consumer group.
func (f *Follower) Offset() (int64, error) {
	raw, err := os.ReadFile(f.offsetPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, ferrors.Wrap(ferrors.ErrCodeJournalCorrupt, err)
	}
	off, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, ferrors.New(ferrors.ErrCodeJournalCorrupt,
			fmt.Sprintf("offset file %s is malformed", f.offsetPath()), err)
	}
	return off, nil
}

func (f *Follower) commit(off int64) error {
	tmp := f.offsetPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(off, 10)), 0o644); err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	if err := os.Rename(tmp, f.offsetPath()); err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	return nil
}

// Run consumes batches until the context is cancelled or the handler
// fails. There is no silent data loss mode: any error is returned to
// the caller.
func (f *Follower) Run(ctx context.Context, handler Handler) error {
	if err := os.MkdirAll(f.cfg.Dir, 0o755); err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return ferrors.Internal("journal watcher", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.cfg.Dir); err != nil {
		return ferrors.Internal("journal watcher", err)
	}

	offset, err := f.Offset()
	if err != nil {
		return err
	}
	segment := topicPath(f.cfg.Dir, f.cfg.Topic)

	for {
		// Stop only between batches so what was committed and what was
		// acknowledged stay consistent.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events, next, err := ReadFrom(f.cfg.Dir, f.cfg.Topic, offset, f.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			if err := f.wait(ctx, watcher, segment); err != nil {
				return err
			}
			continue
		}

		f.log.Debug("journal_batch",
			slog.String("topic", f.cfg.Topic),
			slog.String("group", f.cfg.Group),
			slog.Int("events", len(events)),
			slog.Int64("offset", offset))

		if err := handler(ctx, events); err != nil {
			return err
		}
		if err := f.commit(next); err != nil {
			return err
		}
		offset = next
	}
}

// wait blocks until the topic segment changes, the poll interval
// elapses, or the context is cancelled.
func (f *Follower) wait(ctx context.Context, watcher *fsnotify.Watcher, segment string) error {
	timer := time.NewTimer(f.cfg.MaxWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == segment && ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("journal_watcher_error", slog.String("error", err.Error()))
		}
	}
}
