package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/NawfalRAZOUK7/apm-observability/pkg/api/client"
)

const defaultBatchSize = 1000

// ErrNoClient indicates the emitter was built without an API client.
var ErrNoClient = errors.New("telemetry emitter requires an api client")

// Ingester is the subset of the API client the emitter needs.
type Ingester interface {
	IngestEvents(ctx context.Context, events []client.Event, opts client.IngestOptions) (client.IngestResult, error)
}

// Emitter posts events to the ingest endpoint in fixed-size batches.
type Emitter struct {
	api       Ingester
	batchSize int
	opts      client.IngestOptions
	progress  func(sent, total int)
}

// EmitterOption customises an Emitter.
type EmitterOption func(*Emitter)

// WithBatchSize sets the number of events per request.
func WithBatchSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithIngestOptions forwards per-request ingest overrides.
func WithIngestOptions(opts client.IngestOptions) EmitterOption {
	return func(e *Emitter) { e.opts = opts }
}

// WithProgress registers a callback invoked after every batch.
func WithProgress(fn func(sent, total int)) EmitterOption {
	return func(e *Emitter) { e.progress = fn }
}

// NewEmitter creates an emitter backed by api.
func NewEmitter(api Ingester, opts ...EmitterOption) (*Emitter, error) {
	if api == nil {
		return nil, ErrNoClient
	}
	e := &Emitter{api: api, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Summary totals the results of every batch sent by Emit.
type Summary struct {
	Batches  int
	Inserted int
	Rejected int
	Errors   []client.ItemError
}

// Emit sends events batch by batch and stops at the first failed request.
// Item error indexes are rebased onto the full slice.
func (e *Emitter) Emit(ctx context.Context, events []client.Event) (Summary, error) {
	if e == nil {
		return Summary{}, ErrNoClient
	}
	var sum Summary
	for start := 0; start < len(events); start += e.batchSize {
		end := start + e.batchSize
		if end > len(events) {
			end = len(events)
		}
		result, err := e.api.IngestEvents(ctx, events[start:end], e.opts)
		sum.Inserted += result.Inserted
		sum.Rejected += result.Rejected
		for _, item := range result.Errors {
			item.Index += start
			sum.Errors = append(sum.Errors, item)
		}
		if err != nil {
			return sum, fmt.Errorf("batch starting at %d: %w", start, err)
		}
		sum.Batches++
		if e.progress != nil {
			e.progress(end, len(events))
		}
	}
	return sum, nil
}
