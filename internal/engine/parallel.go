package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kilnlabs/ciro/internal/ctxlog"
	"github.com/kilnlabs/ciro/internal/stage"
	"github.com/kilnlabs/ciro/internal/state"
)

// pnode is one stage in the parallel execution graph.
type pnode struct {
	st         stage.Stage
	depCount   atomic.Int32
	dependents []*pnode
	claimed    atomic.Bool // set by whichever path (worker or skip cascade) owns the node
}

// claim marks the node as handled. Exactly one caller wins.
func (n *pnode) claim() bool {
	return n.claimed.CompareAndSwap(false, true)
}

// runParallel executes independent stages on a worker pool. State log
// writes stay serialized behind the log's writer lock, and device-exclusive
// stages serialize on a single device lock.
func (e *Engine) runParallel(ctx context.Context, stages []stage.Stage, opts Options, tr *tracker) (Summary, error) {
	logger := ctxlog.FromContext(ctx)

	nodes := make([]*pnode, 0, len(stages))
	byName := make(map[string]*pnode, len(stages))
	for _, s := range stages {
		n := &pnode{st: s}
		n.depCount.Store(int32(len(s.Needs)))
		nodes = append(nodes, n)
		byName[s.Name] = n
	}
	for _, n := range nodes {
		for _, dep := range n.st.Needs {
			byName[dep].dependents = append(byName[dep].dependents, n)
		}
	}

	readyChan := make(chan *pnode, len(nodes))
	// Seed roots in declaration order for a stable tie-break.
	for _, n := range nodes {
		if n.depCount.Load() == 0 {
			readyChan <- n
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg         sync.WaitGroup
		deviceMu   sync.Mutex
		aborted    atomic.Bool
		abortCode  atomic.Int32
		persistMu  sync.Mutex
		persistErr error
	)
	wg.Add(len(nodes))

	setPersistErr := func(err error) {
		persistMu.Lock()
		if persistErr == nil {
			persistErr = err
		}
		persistMu.Unlock()
		cancel()
	}

	// skipDependents recursively marks downstream nodes as skipped.
	var skipDependents func(n *pnode, cause string)
	skipDependents = func(n *pnode, cause string) {
		for _, dep := range n.dependents {
			if !dep.claim() {
				continue
			}
			if err := e.skipStage(tr, opts, dep.st, cause, false); err != nil {
				setPersistErr(err)
			}
			wg.Done()
			skipDependents(dep, "dependency "+dep.st.Name+" skipped")
		}
	}

	worker := func(id int) {
		wlog := logger.With("worker", id)
		for n := range readyChan {
			if !n.claim() {
				continue
			}

			if runCtx.Err() != nil || aborted.Load() {
				cause := "run aborted"
				if ctx.Err() != nil {
					cause = "run cancelled"
				}
				if err := e.skipStage(tr, opts, n.st, cause, false); err != nil {
					setPersistErr(err)
				}
				wg.Done()
				skipDependents(n, cause)
				continue
			}

			if skipped, cause := e.shouldSkip(tr, opts, n.st); skipped {
				if err := e.skipStage(tr, opts, n.st, cause.reason, cause.allowed); err != nil {
					setPersistErr(err)
				}
				wg.Done()
				if cause.allowed {
					unlockDependents(n, readyChan)
				} else {
					skipDependents(n, "dependency "+n.st.Name+" skipped")
				}
				continue
			}

			if n.st.DeviceExclusive {
				deviceMu.Lock()
			}
			outcome, err := e.executeStage(runCtx, n.st, opts, tr)
			if n.st.DeviceExclusive {
				deviceMu.Unlock()
			}

			if err != nil {
				setPersistErr(err)
				wg.Done()
				skipDependents(n, "run aborted")
				continue
			}

			if outcome.Status == state.StatusFailed {
				switch n.st.Policy {
				case stage.PolicyWarnContinue:
					wlog.Warn("stage failed, continuing per policy",
						"stage", n.st.Name, "exitCode", outcome.ExitCode)
				default:
					aborted.Store(true)
					abortCode.CompareAndSwap(0, int32(outcome.ExitCode))
					tr.markFirst(outcome)
					cancel()
				}
				wg.Done()
				skipDependents(n, "dependency "+n.st.Name+" failed")
				continue
			}

			wg.Done()
			unlockDependents(n, readyChan)
		}
	}

	workers := opts.Jobs
	if workers > len(nodes) {
		workers = len(nodes)
	}
	for i := 0; i < workers; i++ {
		go worker(i)
	}

	wg.Wait()
	close(readyChan)

	persistMu.Lock()
	pErr := persistErr
	persistMu.Unlock()

	isAborted := aborted.Load() || ctx.Err() != nil
	code := int(abortCode.Load())
	if ctx.Err() != nil && code == ExitOK {
		code = ExitCancelled
	}
	return e.finish(tr, stages, isAborted, code, pErr)
}

func unlockDependents(n *pnode, readyChan chan *pnode) {
	for _, dep := range n.dependents {
		if dep.depCount.Add(-1) == 0 {
			readyChan <- dep
		}
	}
}
