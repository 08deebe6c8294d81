// Package graph runs work over a dependency graph: a node is processed only
// after every node it depends on finished, with at most Concurrency nodes in
// flight.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnsolvable = errors.New("graph: unsolvable graph")
)

type done[K comparable] struct {
	id  K
	err error
}

type work[K comparable] struct {
	id   K
	ctx  context.Context
	done chan done[K]
}

type ProcessFunc[K comparable] func(ctx context.Context, id K) error

type Graph[K comparable] struct {
	Concurrency int
	// Nodes maps every node to the nodes it depends on.
	Nodes   map[K][]K
	Process ProcessFunc[K]
	Logger  *zap.Logger

	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	inFlight  map[K]bool
	completed map[K]bool
	work      chan work[K]
	err       error
	done      chan done[K]
	log       *zap.Logger
}

func (g *Graph[K]) init(ctx context.Context) {
	if g.Concurrency <= 0 {
		g.Concurrency = 1
	}
	g.log = g.Logger
	if g.log == nil {
		g.log = zap.NewNop()
	}
	g.completed = map[K]bool{}
	g.inFlight = map[K]bool{}
	g.err = nil
	g.work = make(chan work[K], g.Concurrency)
	// Sized so a worker never blocks reporting completion while the pump is
	// blocked handing out work.
	g.done = make(chan done[K], len(g.Nodes))
	g.wg = &sync.WaitGroup{}
	g.ctx, g.cancel = context.WithCancel(ctx)
}

// Solve processes every node and returns the first error. A cycle, or a
// dependency on a node missing from Nodes, returns ErrUnsolvable.
func (g *Graph[K]) Solve(ctx context.Context) error {
	if len(g.Nodes) == 0 {
		return nil
	}
	for id, deps := range g.Nodes {
		for _, dep := range deps {
			if _, ok := g.Nodes[dep]; !ok {
				return fmt.Errorf("%w: %v depends on unknown node %v", ErrUnsolvable, id, dep)
			}
		}
	}

	g.init(ctx)
	defer g.cancel()

	g.wg.Add(g.Concurrency)
	for i := 0; i < g.Concurrency; i++ {
		go worker(i, g.Process, g.log, g.wg, g.work)
	}
	err := g.pump(ctx)
	g.wg.Wait()
	return err
}

// worker processes individual items from the work queue.
func worker[K comparable](i int, process ProcessFunc[K], log *zap.Logger, wg *sync.WaitGroup, queue chan work[K]) {
	log = log.With(zap.Int("worker", i))
	log.Debug("worker starting")
	defer log.Debug("worker stopping")
	defer wg.Done()

	for w := range queue {
		err := w.ctx.Err()
		if err == nil {
			err = process(w.ctx, w.id)
		}
		w.done <- done[K]{id: w.id, err: err}
		log.Debug("work finished", zap.Any("id", w.id), zap.Error(err))
	}
}

// pump reads from the done channel and pumps work into the work channel. It
// owns the graph state while Solve runs.
func (g *Graph[K]) pump(ctx context.Context) error {
	defer close(g.work)

	// Prime the queue. Blocking is fine here since workers report into a
	// buffered done channel.
	if !g.sendWork(true) {
		return ErrUnsolvable
	}

	cancelled := ctx.Done()
	for !g.finished() || g.working() {
		select {
		case d := <-g.done:
			g.complete(d.id)
			if d.err != nil {
				g.log.Debug("work failed", zap.Any("id", d.id), zap.Error(d.err))
				g.errored(d.err)
			}

			if !g.finished() {
				sent := g.sendWork(false)
				// Nothing in flight and nothing new to send: only a cycle
				// leaves nodes permanently not ready.
				if !sent && !g.working() {
					return ErrUnsolvable
				}
			}
		case <-cancelled:
			g.log.Debug("context cancelled, waiting for workers")
			g.errored(ctx.Err())
			cancelled = nil
		}
	}
	return g.err
}

// errored records the first error and cancels all outstanding work.
func (g *Graph[K]) errored(err error) {
	if g.err == nil {
		g.err = err
	}
	g.cancel()
}

func (g *Graph[K]) working() bool {
	return len(g.inFlight) > 0
}

func (g *Graph[K]) finished() bool {
	return g.err != nil || len(g.completed) >= len(g.Nodes)
}

func (g *Graph[K]) complete(id K) {
	g.completed[id] = true
	delete(g.inFlight, id)
}

// sendWork pushes ready nodes into the work channel. With block set it pushes
// every ready node; otherwise it returns as soon as the channel is full.
func (g *Graph[K]) sendWork(block bool) (sent bool) {
	for id := range g.Nodes {
		if !g.ready(id) {
			continue
		}
		w := work[K]{id: id, ctx: g.ctx, done: g.done}
		if block {
			g.work <- w
		} else {
			select {
			case g.work <- w:
			default:
				return
			}
		}
		g.inFlight[id] = true
		sent = true
	}
	return
}

// ready reports whether every dependency of id completed.
func (g *Graph[K]) ready(id K) bool {
	if g.inFlight[id] || g.completed[id] {
		return false
	}
	for _, dep := range g.Nodes[id] {
		if !g.completed[dep] {
			return false
		}
	}
	return true
}
