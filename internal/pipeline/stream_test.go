package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/journal"
	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/storage"
)

func newTestConsumer(t *testing.T, dir string, comp Computer, store storage.Store) *Consumer {
	t.Helper()
	pipe := New(store, comp, nil, Options{}, nil)
	c, err := NewConsumer(pipe, journal.FollowerConfig{
		Dir: dir, Topic: "artifacts", Group: "test", MaxWait: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestConsumer_ProcessesAndCommits(t *testing.T) {
	dir := t.TempDir()
	w, err := journal.NewWriter(dir)
	require.NoError(t, err)
	ctx := context.Background()

	// Both encodings: bare subject strings and mirror-style row objects.
	require.NoError(t, w.Append(ctx, "artifacts", "aa"))
	require.NoError(t, w.Append(ctx, "artifacts", map[string]any{
		"subject": "bb",
		"payload": map[string]any{"mimetype": "text/plain"},
	}))

	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	c := newTestConsumer(t, dir, comp, store)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		// Give both appends a chance to be consumed, then stop.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			rows, err := store.Get(ctx, model.KindContentMimetype, []model.Subject{"aa", "bb"})
			if err == nil && len(rows) == 2 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()
	err = c.Run(runCtx)
	assert.ErrorIs(t, err, context.Canceled)

	rows, err := store.Get(ctx, model.KindContentMimetype, []model.Subject{"aa", "bb"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Everything consumed is committed.
	off, err := c.Offset()
	require.NoError(t, err)
	events, _, err := journal.ReadFrom(dir, "artifacts", off, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestConsumer_FailedBatchHoldsOffset(t *testing.T) {
	dir := t.TempDir()
	w, err := journal.NewWriter(dir)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, w.Append(ctx, "artifacts", "aa", "bb"))

	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	comp.failWith = map[model.Subject]error{
		"bb": ferrors.New(ferrors.ErrCodeComputeFailed, "translator crashed", nil),
	}
	c := newTestConsumer(t, dir, comp, store)

	// Strict pipeline: the compute error propagates out of Run and the
	// offset stays put.
	err = c.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeComputeFailed, ferrors.GetCode(err))

	off, err := c.Offset()
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	// After the poison clears, the same batch is redelivered and this
	// time commits.
	delete(comp.failWith, "bb")
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			rows, err := store.Get(ctx, model.KindContentMimetype, []model.Subject{"aa", "bb"})
			if err == nil && len(rows) == 2 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()
	err = c.Run(runCtx)
	assert.ErrorIs(t, err, context.Canceled)

	off, err = c.Offset()
	require.NoError(t, err)
	assert.Greater(t, off, int64(0))
}

func TestConsumer_SkipsUndecodableEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := journal.NewWriter(dir)
	require.NoError(t, err)
	ctx := context.Background()

	// A number decodes to neither a subject string nor a subject object.
	require.NoError(t, w.Append(ctx, "artifacts", 42, "aa"))

	store := storage.NewMemory(nil)
	comp := newFakeComputer(model.KindContentMimetype)
	c := newTestConsumer(t, dir, comp, store)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			rows, err := store.Get(ctx, model.KindContentMimetype, []model.Subject{"aa"})
			if err == nil && len(rows) == 1 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()
	err = c.Run(runCtx)
	assert.ErrorIs(t, err, context.Canceled)

	rows, err := store.Get(ctx, model.KindContentMimetype, []model.Subject{"aa"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDecodeSubject(t *testing.T) {
	ev := func(raw string) journal.Event {
		return journal.Event{ID: "x", Topic: "t", Value: []byte(raw)}
	}

	s, err := decodeSubject(ev(`"aa"`))
	require.NoError(t, err)
	assert.Equal(t, model.Subject("aa"), s)

	s, err = decodeSubject(ev(`{"subject":"bb","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, model.Subject("bb"), s)

	_, err = decodeSubject(ev(`{"payload":{}}`))
	assert.Error(t, err)

	_, err = decodeSubject(ev(`42`))
	assert.Error(t, err)
}
