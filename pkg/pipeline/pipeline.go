// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline encodes batches asynchronously, ahead of the consumer, keeping their order.
//
// A Pipeline pulls batches from a Source, encodes them on a pool of worker goroutines, and
// returns the encoded batches with Next in exactly the order the source yielded them. At
// most Depth batches are taken from the source beyond the last one returned by Next: the
// source is not called again until the consumer catches up.
//
// Example:
//
//	p, err := pipeline.New("train", source, encodeFn).Depth(10).Workers(4).Start(ctx)
//	if err != nil { ... }
//	defer p.Stop()
//	for {
//		encoded, err := p.Next(ctx)
//		if err == io.EOF {
//			break
//		}
//		...
//	}
package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/paraselect/pkg/errs"
	"github.com/gomlx/paraselect/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source of batches. Yield returns io.EOF at the end of the epoch, and Reset rewinds it
// for the next epoch.
//
// Yield is only called from one goroutine at a time.
type Source[B any] interface {
	Name() string
	Reset()
	Yield() (B, error)
}

// EncodeFn encodes one batch. It is called concurrently from the worker goroutines, and it
// should return promptly once ctx is done.
type EncodeFn[B, E any] func(ctx context.Context, batch B) (E, error)

// Pipeline of batches being encoded in parallel. Create it with New, configure it and then Start it.
//
// Next, Reset and Stop must be called from one goroutine (the consumer).
type Pipeline[B, E any] struct {
	name    string
	source  Source[B]
	encode  EncodeFn[B, E]
	depth   int
	workers int

	parentCtx context.Context
	started   bool
	stopped   bool

	// err is sticky: once set, Next always returns it.
	err error

	impl *pipelineImpl[B, E]

	// waiting is the result Next was waiting for when its context was cancelled,
	// so the next call resumes at the same position.
	waiting chan result[E]

	// position of the next batch to return by Next, for the synchronous mode.
	position int
}

type result[E any] struct {
	encoded E
	err     error
}

type job[B, E any] struct {
	position int
	batch    B
	result   chan result[E]
}

// pipelineImpl holds the goroutines of one epoch.
type pipelineImpl[B, E any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	// tokens bounds the number of batches taken from the source and not yet consumed.
	tokens chan struct{}

	// pending holds the result channels in source order.
	pending chan chan result[E]

	jobs        chan job[B, E]
	failure     *xsync.LatchWithValue[error]
	outstanding atomic.Int64
	wg          sync.WaitGroup
}

// New creates a Pipeline reading batches from source and encoding them with encode.
// By default, it has depth 1 and a single worker.
func New[B, E any](name string, source Source[B], encode EncodeFn[B, E]) *Pipeline[B, E] {
	return &Pipeline[B, E]{
		name:    name,
		source:  source,
		encode:  encode,
		depth:   1,
		workers: 1,
	}
}

// Depth sets the maximum number of batches encoded ahead of the consumer.
// If set to 0, batches are encoded synchronously in Next.
//
// It returns the updated Pipeline, so calls can be cascaded.
func (p *Pipeline[B, E]) Depth(depth int) *Pipeline[B, E] {
	p.depth = depth
	return p
}

// Workers sets the number of goroutines encoding batches. It is ignored if depth is 0.
//
// It returns the updated Pipeline, so calls can be cascaded.
func (p *Pipeline[B, E]) Workers(workers int) *Pipeline[B, E] {
	p.workers = workers
	return p
}

// Name of the pipeline.
func (p *Pipeline[B, E]) Name() string { return p.name }

// Start the pipeline: after this the configuration can no longer be changed. The ctx is
// passed to the encoding function, and cancelling it stops the pipeline.
func (p *Pipeline[B, E]) Start(ctx context.Context) (*Pipeline[B, E], error) {
	if p.started {
		return nil, errs.Configf("pipeline %q started more than once", p.name)
	}
	if p.source == nil || p.encode == nil {
		return nil, errs.Configf("pipeline %q requires a source and an encoding function", p.name)
	}
	if p.depth < 0 {
		return nil, errs.Configf("pipeline %q depth must be >= 0, got %d", p.name, p.depth)
	}
	if p.depth > 0 && p.workers < 1 {
		return nil, errs.Configf("pipeline %q requires at least 1 worker, got %d", p.name, p.workers)
	}
	p.started = true
	p.parentCtx = ctx
	p.startEpoch()
	return p, nil
}

// startEpoch starts the dispatcher and the workers. No-op in synchronous mode.
func (p *Pipeline[B, E]) startEpoch() {
	p.position = 0
	p.waiting = nil
	if p.depth == 0 {
		return
	}
	impl := &pipelineImpl[B, E]{
		tokens:  make(chan struct{}, p.depth),
		pending: make(chan chan result[E], p.depth),
		jobs:    make(chan job[B, E]),
		failure: xsync.NewLatchWithValue[error](),
	}
	impl.ctx, impl.cancel = context.WithCancel(p.parentCtx)
	p.impl = impl
	impl.wg.Add(1 + p.workers)
	go p.dispatch(impl)
	for range p.workers {
		go p.work(impl)
	}
	klog.V(1).Infof("pipeline %q: started epoch with depth %d and %d workers", p.name, p.depth, p.workers)
}

// dispatch reads the source in order, and hands batches to the workers.
func (p *Pipeline[B, E]) dispatch(impl *pipelineImpl[B, E]) {
	defer impl.wg.Done()
	defer close(impl.jobs)
	defer close(impl.pending)
	for position := 0; ; position++ {
		select {
		case impl.tokens <- struct{}{}:
		case <-impl.ctx.Done():
			return
		case <-impl.failure.WaitChan():
			return
		}
		batch, err := p.source.Yield()
		if err == io.EOF {
			<-impl.tokens
			return
		}
		resultCh := make(chan result[E], 1)
		if err != nil {
			resultCh <- result[E]{err: errs.WrapPipeline(err, "pipeline %q: source %q failed yielding batch #%d",
				p.name, p.source.Name(), position)}
		}
		impl.outstanding.Add(1)
		select {
		case impl.pending <- resultCh:
		case <-impl.ctx.Done():
			return
		}
		if err != nil {
			return
		}
		select {
		case impl.jobs <- job[B, E]{position: position, batch: batch, result: resultCh}:
		case <-impl.ctx.Done():
			// Already queued in pending: it must still be resolved.
			resultCh <- result[E]{err: errs.WrapPipeline(impl.ctx.Err(), "pipeline %q: cancelled before encoding batch #%d",
				p.name, position)}
			return
		}
	}
}

// work encodes batches until the jobs channel is closed.
func (p *Pipeline[B, E]) work(impl *pipelineImpl[B, E]) {
	defer impl.wg.Done()
	for j := range impl.jobs {
		r := p.encodeOne(impl.ctx, j.position, j.batch)
		if r.err != nil {
			impl.failure.Trigger(r.err)
		}
		j.result <- r
	}
}

// encodeOne calls the encoding function, converting errors and panics to KindPipeline errors.
func (p *Pipeline[B, E]) encodeOne(ctx context.Context, position int, batch B) (r result[E]) {
	exception := exceptions.Try(func() {
		r.encoded, r.err = p.encode(ctx, batch)
	})
	if exception != nil {
		if err, ok := exception.(error); ok {
			r.err = errors.WithMessage(err, "panic while encoding")
		} else {
			r.err = errors.Errorf("panic while encoding: %v", exception)
		}
	}
	if r.err != nil {
		r.err = errs.WrapPipeline(r.err, "pipeline %q: encoding batch #%d", p.name, position)
	}
	return
}

// Next returns the next encoded batch, in source order. It returns io.EOF at the end of the
// epoch (call Reset to start the next one), and a KindPipeline error if the source or the
// encoding of the batch at this position failed. After an error, the pipeline is stopped and
// every following call returns the same error.
//
// If ctx is done before the batch is ready, ctx.Err() is returned and the position is kept.
func (p *Pipeline[B, E]) Next(ctx context.Context) (encoded E, err error) {
	if p.err != nil {
		return encoded, p.err
	}
	if !p.started || p.stopped {
		return encoded, errs.WrapPipeline(errors.New("pipeline not running"), "pipeline %q: Next", p.name)
	}
	if p.depth == 0 {
		return p.nextSync()
	}
	impl := p.impl
	resultCh := p.waiting
	if resultCh == nil {
		var ok bool
		select {
		case resultCh, ok = <-impl.pending:
			if !ok {
				if ctxErr := impl.ctx.Err(); ctxErr != nil {
					p.fail(errs.WrapPipeline(ctxErr, "pipeline %q: cancelled", p.name))
					return encoded, p.err
				}
				return encoded, io.EOF
			}
		case <-ctx.Done():
			return encoded, ctx.Err()
		}
	}
	var r result[E]
	select {
	case r = <-resultCh:
		p.waiting = nil
	case <-ctx.Done():
		p.waiting = resultCh
		return encoded, ctx.Err()
	}
	impl.outstanding.Add(-1)
	<-impl.tokens
	if r.err != nil {
		p.fail(r.err)
		return encoded, p.err
	}
	return r.encoded, nil
}

func (p *Pipeline[B, E]) nextSync() (encoded E, err error) {
	batch, err := p.source.Yield()
	if err == io.EOF {
		return encoded, io.EOF
	}
	position := p.position
	p.position++
	if err != nil {
		p.fail(errs.WrapPipeline(err, "pipeline %q: source %q failed yielding batch #%d", p.name, p.source.Name(), position))
		return encoded, p.err
	}
	r := p.encodeOne(p.parentCtx, position, batch)
	if r.err != nil {
		p.fail(r.err)
		return encoded, p.err
	}
	return r.encoded, nil
}

// fail records the sticky error and stops the goroutines.
func (p *Pipeline[B, E]) fail(err error) {
	klog.Errorf("pipeline %q failed: %v", p.name, err)
	p.err = err
	p.stopImpl()
}

// Outstanding returns the number of batches taken from the source and not yet returned by Next.
func (p *Pipeline[B, E]) Outstanding() int {
	if p.impl == nil {
		return 0
	}
	return int(p.impl.outstanding.Load())
}

// stopImpl cancels the current epoch's goroutines, discards in-flight work and waits for them.
func (p *Pipeline[B, E]) stopImpl() {
	impl := p.impl
	if impl == nil {
		return
	}
	p.impl = nil
	impl.cancel()
	impl.wg.Wait()
	if n := impl.outstanding.Load(); n > 0 {
		klog.V(1).Infof("pipeline %q: discarded %d batches in flight", p.name, n)
	}
}

// Stop the pipeline, discarding in-flight batches, and wait for all its goroutines to finish.
// It is safe to call more than once.
func (p *Pipeline[B, E]) Stop() {
	p.stopImpl()
	p.stopped = true
}

// Reset stops the current epoch, resets the source and starts the next epoch. It returns the
// error of a failed pipeline, which can not be restarted.
func (p *Pipeline[B, E]) Reset() error {
	if p.err != nil {
		return p.err
	}
	if !p.started {
		return errs.Configf("pipeline %q: Reset called before Start", p.name)
	}
	p.stopImpl()
	p.source.Reset()
	p.stopped = false
	p.startEpoch()
	return nil
}
