// Package journal is the append-only event log. One JSONL segment per
// topic; accepted storage writes are mirrored to fact.<kind> topics,
// and continuous-consumer pipelines follow arbitrary input topics.
// The log is an audit and re-derivation trail independent of the
// queryable durable store: it is never compacted and never read by
// partition scans.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/metrics"
)

// Event is one journal entry.
type Event struct {
	ID    string          `json:"id"`
	Topic string          `json:"topic"`
	Time  time.Time       `json:"time"`
	Value json.RawMessage `json:"value"`
}

// Decode unmarshals the event value into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Value, v); err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalCorrupt, err)
	}
	return nil
}

var topicRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidTopic reports whether name is a usable topic name.
func ValidTopic(name string) bool { return topicRe.MatchString(name) }

func topicPath(dir, topic string) string {
	return filepath.Join(dir, topic+".log")
}

// Writer appends events to per-topic segments. Appends are guarded by a
// per-topic advisory file lock so multiple writer processes can share a
// journal directory.
type Writer struct {
	dir string
}

// NewWriter creates the journal directory if needed and returns a
// writer for it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	return &Writer{dir: dir}, nil
}

// Append writes one event per value to the topic segment, all under a
// single lock acquisition. Implements the storage mirror contract.
func (w *Writer) Append(ctx context.Context, topic string, values ...any) error {
	if !ValidTopic(topic) {
		return ferrors.Argumentf("invalid journal topic %q", topic)
	}
	if len(values) == 0 {
		return nil
	}

	var buf bytes.Buffer
	now := time.Now().UTC()
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return ferrors.Argumentf("encode journal value for topic %s: %v", topic, err)
		}
		line, err := json.Marshal(Event{
			ID:    uuid.NewString(),
			Topic: topic,
			Time:  now,
			Value: raw,
		})
		if err != nil {
			return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	lock := flock.New(topicPath(w.dir, topic) + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	if !locked {
		return ferrors.New(ferrors.ErrCodeJournalAppend, "journal lock not acquired", nil)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(topicPath(w.dir, topic), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	if err := f.Sync(); err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	metrics.JournalAppends.WithLabelValues(topic).Add(float64(len(values)))
	return nil
}

// ReadFrom reads up to max complete events from a topic starting at
// byte offset. Returns the events and the offset just past the last
// complete line consumed. A missing segment is an empty read, not an
// error; a torn trailing line is left for the next read.
func ReadFrom(dir, topic string, offset int64, max int) ([]Event, int64, error) {
	if !ValidTopic(topic) {
		return nil, offset, ferrors.Argumentf("invalid journal topic %q", topic)
	}
	f, err := os.Open(topicPath(dir, topic))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, ferrors.Wrap(ferrors.ErrCodeJournalCorrupt, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, ferrors.Wrap(ferrors.ErrCodeJournalCorrupt, err)
	}

	r := bufio.NewReader(f)
	var events []Event
	next := offset
	for max <= 0 || len(events) < max {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// Incomplete tail (no trailing newline yet) or clean EOF.
			break
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var ev Event
			if err := json.Unmarshal(trimmed, &ev); err != nil {
				return events, next, ferrors.New(ferrors.ErrCodeJournalCorrupt,
					fmt.Sprintf("topic %s: malformed event at offset %d", topic, next), err)
			}
			events = append(events, ev)
		}
		next += int64(len(line))
	}
	return events, next, nil
}
