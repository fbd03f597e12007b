// Package pipeline drives artifacts through filter, compute, and
// persist against the row store, either as a one-shot batch job or as
// a continuous consumer of a journal topic.
//
// Per batch the state machine is Received, Filtered, Computed,
// Persisted, ending Uneventful, Eventful, or Failed. The missing
// filter is the idempotency boundary: a crashed-and-retried batch
// recomputes nothing that already succeeded.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/metrics"
	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/objstore"
	"github.com/factline/factline/internal/storage"
)

// Status is a batch's terminal state.
type Status string

const (
	// StatusUneventful means the batch changed nothing in storage.
	StatusUneventful Status = "uneventful"
	// StatusEventful means at least one row was written or changed.
	StatusEventful Status = "eventful"
	// StatusFailed means at least one subject failed compute or the
	// persist step failed.
	StatusFailed Status = "failed"
)

// Summary reports one batch run.
type Summary struct {
	BatchID  string              `json:"batch_id"`
	Status   Status              `json:"status"`
	Seen     int                 `json:"seen"`
	Filtered int                 `json:"filtered"`
	Computed int                 `json:"computed"`
	Written  map[model.Kind]int  `json:"written"`
	Failed   []model.Subject     `json:"failed,omitempty"`
}

// Computer is the external collaborator that derives fact rows for one
// subject. Implementations leave Row.Tool unset; the pipeline stamps
// every produced row with its registered tool id before persisting.
type Computer interface {
	Kind() model.Kind
	Tool() model.ToolSpec

	// Compute returns zero or more rows for subject. A subject yielding
	// zero rows is not an error, it is "nothing to store for this
	// subject under this tool". content is the subject's raw bytes when
	// the pipeline has an object store and the kind has hash subjects,
	// nil otherwise (including absent content).
	Compute(ctx context.Context, subject model.Subject, content []byte) ([]model.Row, error)
}

// Options tunes one pipeline.
type Options struct {
	// Workers bounds concurrent Compute calls. Default 4.
	Workers int

	// CatchErrors selects batch-job mode: a poisoned subject is recorded
	// in the summary instead of aborting the run. Continuous consumers
	// leave this false so the error propagates and the consumption
	// offset does not advance.
	CatchErrors bool

	// ConflictUpdate is passed through to Add/AddMerge. Always explicit,
	// never implied.
	ConflictUpdate bool

	// Rescan skips the missing filter so already-computed subjects are
	// recomputed.
	Rescan bool

	// LookupRetries and LookupDelay bound the fixed-backoff retry of
	// compute calls that fail on a lagging cross-reference lookup.
	LookupRetries int
	LookupDelay   time.Duration
}

func (o *Options) useDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.LookupRetries < 0 {
		o.LookupRetries = 0
	}
	if o.LookupDelay <= 0 {
		o.LookupDelay = time.Second
	}
}

// Pipeline runs batches for one computer against one store.
type Pipeline struct {
	store   storage.Store
	objects objstore.Reader // nil disables content prefetch
	comp    Computer
	opts    Options
	log     *slog.Logger

	mu   sync.Mutex
	tool *model.Tool
}

// New builds a pipeline. objects may be nil for kinds that do not read
// content.
func New(store storage.Store, comp Computer, objects objstore.Reader, opts Options, log *slog.Logger) *Pipeline {
	opts.useDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{store: store, objects: objects, comp: comp, opts: opts, log: log}
}

// Tool registers the computer's tool on first use and returns it.
func (p *Pipeline) Tool(ctx context.Context) (model.Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tool != nil {
		return *p.tool, nil
	}
	t, err := p.store.RegisterTool(ctx, p.comp.Tool())
	if err != nil {
		return model.Tool{}, err
	}
	p.tool = &t
	return t, nil
}

// Run processes one batch of subjects to a terminal status.
// In batch-job mode (CatchErrors) the returned error is nil even for a
// Failed batch; in strict mode the first failure is returned and the
// summary carries StatusFailed.
func (p *Pipeline) Run(ctx context.Context, subjects []model.Subject) (Summary, error) {
	summary := Summary{
		BatchID: uuid.NewString(),
		Written: make(map[model.Kind]int),
	}
	kind := p.comp.Kind()
	spec, ok := kind.Spec()
	if !ok {
		return p.fail(summary, ferrors.New(ferrors.ErrCodeUnknownKind,
			fmt.Sprintf("computer yields unknown kind %q", kind), nil))
	}

	tool, err := p.Tool(ctx)
	if err != nil {
		return p.fail(summary, err)
	}

	subjects = dedupe(subjects)
	summary.Seen = len(subjects)

	// Filtered: drop subjects this tool already indexed.
	if !p.opts.Rescan {
		keys := make([]model.SubjectTool, len(subjects))
		for i, s := range subjects {
			keys[i] = model.SubjectTool{Subject: s, ToolID: tool.ID}
		}
		missing, err := p.store.Missing(ctx, kind, keys)
		if err != nil {
			return p.fail(summary, err)
		}
		subjects = subjects[:0]
		for _, k := range missing {
			subjects = append(subjects, k.Subject)
		}
		metrics.SubjectsFiltered.Add(float64(summary.Seen - len(subjects)))
	}
	summary.Filtered = len(subjects)
	if len(subjects) == 0 {
		summary.Status = StatusUneventful
		metrics.BatchesTotal.WithLabelValues(string(summary.Status)).Inc()
		return summary, nil
	}

	contents, err := p.prefetch(ctx, spec, subjects)
	if err != nil {
		return p.fail(summary, err)
	}

	// Computed: bounded workers, one slot per subject so output order
	// is stable.
	produced := make([][]model.Row, len(subjects))
	var failMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, subject := range subjects {
		g.Go(func() error {
			rows, err := p.computeOne(gctx, subject, content(contents, i))
			if err != nil {
				metrics.ComputeErrors.Inc()
				if p.opts.CatchErrors {
					p.log.Warn("compute_failed",
						slog.String("batch_id", summary.BatchID),
						slog.String("subject", string(subject)),
						slog.String("error", err.Error()))
					failMu.Lock()
					summary.Failed = append(summary.Failed, subject)
					failMu.Unlock()
					return nil
				}
				return ferrors.Compute(string(subject), err)
			}
			for j := range rows {
				rows[j].Tool = model.ToolByID(tool.ID)
			}
			produced[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.fail(summary, err)
	}

	var rows []model.Row
	for i := range produced {
		summary.Computed += len(produced[i])
		rows = append(rows, produced[i]...)
	}

	// Persisted: one bulk write classifies the whole batch.
	count, err := p.persist(ctx, kind, spec, rows)
	if err != nil {
		if p.opts.CatchErrors {
			p.log.Error("persist_failed",
				slog.String("batch_id", summary.BatchID),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
			summary.Status = StatusFailed
			metrics.BatchesTotal.WithLabelValues(string(summary.Status)).Inc()
			return summary, nil
		}
		return p.fail(summary, err)
	}
	summary.Written[kind] = count
	metrics.RowsWritten.WithLabelValues(string(kind)).Add(float64(count))

	switch {
	case len(summary.Failed) > 0:
		summary.Status = StatusFailed
	case count > 0:
		summary.Status = StatusEventful
	default:
		summary.Status = StatusUneventful
	}
	metrics.BatchesTotal.WithLabelValues(string(summary.Status)).Inc()

	p.log.Info("batch_done",
		slog.String("batch_id", summary.BatchID),
		slog.String("kind", string(kind)),
		slog.String("status", string(summary.Status)),
		slog.Int("seen", summary.Seen),
		slog.Int("written", count),
		slog.Int("failed", len(summary.Failed)))
	return summary, nil
}

func (p *Pipeline) fail(summary Summary, err error) (Summary, error) {
	summary.Status = StatusFailed
	metrics.BatchesTotal.WithLabelValues(string(summary.Status)).Inc()
	return summary, err
}

// prefetch loads content for hash-subject kinds in one batch read.
func (p *Pipeline) prefetch(ctx context.Context, spec model.KindSpec, subjects []model.Subject) ([][]byte, error) {
	if p.objects == nil || spec.Subject != model.SubjectHash {
		return nil, nil
	}
	return p.objects.GetBatch(ctx, subjects)
}

func content(contents [][]byte, i int) []byte {
	if contents == nil {
		return nil
	}
	return contents[i]
}

// computeOne retries lagging cross-reference lookups with fixed
// backoff, bounded by LookupRetries; all other errors surface
// immediately. Never blocks past context cancellation.
func (p *Pipeline) computeOne(ctx context.Context, subject model.Subject, content []byte) ([]model.Row, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.LookupRetries; attempt++ {
		rows, err := p.comp.Compute(ctx, subject, content)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !ferrors.IsRetryable(err) || attempt >= p.opts.LookupRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.LookupDelay):
		}
	}
	return nil, lastErr
}

func (p *Pipeline) persist(ctx context.Context, kind model.Kind, spec model.KindSpec, rows []model.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() {
		metrics.PersistDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()
	if spec.Mergeable() {
		return p.store.AddMerge(ctx, kind, rows, p.opts.ConflictUpdate)
	}
	return p.store.Add(ctx, kind, rows, p.opts.ConflictUpdate)
}

func dedupe(subjects []model.Subject) []model.Subject {
	seen := make(map[model.Subject]bool, len(subjects))
	out := subjects[:0]
	for _, s := range subjects {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
