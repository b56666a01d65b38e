package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/workflow"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

// Loop and foreach share the polling pattern: the control node re-queues
// itself, watching its body subgraph, and re-arms the body for the next
// iteration when the subgraph finishes.

const loopPollInterval = 500 * time.Millisecond

// DefaultMaxIterations bounds loops that set no explicit limit.
const DefaultMaxIterations = 100

func snapshotInt(pc *engine.ProcessContext, key string) int {
	s := pc.Instance.NodeStates[pc.Node.ID]
	if s == nil || s.Snapshot == nil {
		return 0
	}
	switch v := s.Snapshot[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (p *Processor) handleLoop(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	cfg := pc.Node.Loop
	if cfg == nil || len(cfg.BodyNodes) == 0 {
		return engine.Succeed(map[string]interface{}{"iterations": 0})
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	step := cfg.Step
	if step == 0 {
		step = 1
	}

	phase := snapshotString(pc, "phase")
	iteration := snapshotInt(pc, "iteration")
	counter := snapshotInt(pc, "counter")

	if phase == "" {
		counter = cfg.Init
		if !loopShouldRun(cfg, pc.EvalCtx, counter, step, 0) {
			return engine.Succeed(map[string]interface{}{"iterations": 0})
		}
		if err := startIteration(pc, cfg.BodyNodes, loopVars(cfg, 1, counter)); err != nil {
			return engine.Fail("start loop body: "+err.Error(), Classify(err))
		}
		if err := saveLoopSnapshot(pc, "running", 1, counter); err != nil {
			return engine.Fail(err.Error(), Classify(err))
		}
		return &engine.Result{RequeueAfter: loopPollInterval}
	}

	inst, err := pc.Store.LoadInstance(pc.TaskID)
	if err != nil || inst == nil {
		return engine.Fail(fmt.Sprintf("load instance: %v", err), Classify(err))
	}
	done, failedNode := bodyState(inst, cfg.BodyNodes)
	if failedNode != "" {
		return engine.Fail("loop body node "+failedNode+" failed", workflow.ErrorPermanent)
	}
	if !done {
		return &engine.Result{RequeueAfter: loopPollInterval}
	}

	evalCtx := engine.EvalContext(inst)
	nextCounter := counter + step
	if iteration >= maxIter {
		pc.Log.Warn("loop hit iteration bound", "iterations", iteration, "max", maxIter)
		return engine.Succeed(map[string]interface{}{"iterations": iteration, "bounded": true})
	}
	if !loopShouldRun(cfg, evalCtx, nextCounter, step, iteration) {
		return engine.Succeed(map[string]interface{}{"iterations": iteration})
	}

	if err := startIteration(pc, cfg.BodyNodes, loopVars(cfg, iteration+1, nextCounter)); err != nil {
		return engine.Fail("re-arm loop body: "+err.Error(), Classify(err))
	}
	if err := saveLoopSnapshot(pc, "running", iteration+1, nextCounter); err != nil {
		return engine.Fail(err.Error(), Classify(err))
	}
	return &engine.Result{RequeueAfter: loopPollInterval}
}

// loopShouldRun decides whether the next iteration runs. completed is the
// number of iterations already finished; until-loops always run the first.
func loopShouldRun(cfg *workflow.LoopConfig, ctx *expression.Context, counter, step, completed int) bool {
	switch cfg.Type {
	case "for":
		if step > 0 {
			return counter < cfg.End
		}
		return counter > cfg.End
	case "until":
		if completed == 0 {
			return true
		}
		stop, _ := expression.EvalBool(cfg.Condition, ctx)
		return !stop
	default: // while
		keep, _ := expression.EvalBool(cfg.Condition, ctx)
		return keep
	}
}

func loopVars(cfg *workflow.LoopConfig, iteration, counter int) map[string]interface{} {
	vars := map[string]interface{}{
		"loop.iteration": iteration,
		"loop.counter":   counter,
	}
	if cfg.LoopVar != "" {
		if cfg.Type == "for" {
			vars[cfg.LoopVar] = counter
		} else {
			vars[cfg.LoopVar] = iteration
		}
	}
	return vars
}

// startIteration re-arms the body subgraph in one critical section: body
// nodes return to pending with zeroed attempts, iteration variables land in
// the instance, and the body's entry nodes are enqueued.
func startIteration(pc *engine.ProcessContext, bodyNodes []string, vars map[string]interface{}) error {
	return pc.Queue.Lock().WithLock(func() error {
		inst, err := pc.Store.LoadInstance(pc.TaskID)
		if err != nil || inst == nil {
			return fmt.Errorf("load instance: %v", err)
		}
		for _, id := range bodyNodes {
			workflow.ResetNode(inst, id)
			inst.NodeStates[id].Attempts = 0
			delete(inst.Outputs, id)
		}
		for k, v := range vars {
			expression.SetPath(inst.Variables, k, v)
		}
		if err := pc.Store.SaveInstance(pc.TaskID, inst); err != nil {
			return err
		}
		var jobs []*engine.Job
		for _, id := range entryNodes(pc.Workflow, bodyNodes) {
			jobs = append(jobs, engine.NewNodeJob(inst, id, pc.Job.Priority))
		}
		return pc.Queue.EnqueueBatch(jobs)
	})
}

// entryNodes returns the body nodes with no incoming edge from inside the
// body; each iteration starts there.
func entryNodes(w *workflow.Workflow, bodyNodes []string) []string {
	inBody := map[string]bool{}
	for _, id := range bodyNodes {
		inBody[id] = true
	}
	var entries []string
	for _, id := range bodyNodes {
		internal := false
		for _, e := range w.IncomingEdges(id) {
			if inBody[e.From] {
				internal = true
				break
			}
		}
		if !internal {
			entries = append(entries, id)
		}
	}
	return entries
}

// bodyState reports whether every body node finished, and the first failed
// one if any.
func bodyState(inst *workflow.Instance, bodyNodes []string) (done bool, failedNode string) {
	done = true
	for _, id := range bodyNodes {
		s := inst.NodeStates[id]
		if s == nil {
			done = false
			continue
		}
		if s.Status == workflow.NodeFailed {
			return false, id
		}
		if !workflow.IsNodeCompleted(s) {
			done = false
		}
	}
	return done, ""
}

func saveLoopSnapshot(pc *engine.ProcessContext, phase string, iteration, counter int) error {
	if err := updateSnapshot(pc, "phase", phase); err != nil {
		return err
	}
	if err := updateSnapshot(pc, "iteration", iteration); err != nil {
		return err
	}
	return updateSnapshot(pc, "counter", counter)
}

func (p *Processor) handleForeach(ctx context.Context, pc *engine.ProcessContext) *engine.Result {
	cfg := pc.Node.Foreach
	if cfg == nil || len(cfg.BodyNodes) == 0 {
		return engine.Succeed(map[string]interface{}{"count": 0})
	}
	items := resolveCollection(cfg.Collection, pc.EvalCtx)
	if len(items) == 0 {
		return engine.Succeed(map[string]interface{}{"count": 0, "results": []interface{}{}})
	}
	if cfg.Mode == "parallel" {
		return p.foreachParallel(ctx, pc, cfg, items)
	}
	return p.foreachSequential(pc, cfg, items)
}

// foreachSequential walks the collection one item per body iteration, using
// the same poll-and-re-arm pattern as loops.
func (p *Processor) foreachSequential(pc *engine.ProcessContext, cfg *workflow.ForeachConfig, items []interface{}) *engine.Result {
	phase := snapshotString(pc, "phase")
	index := snapshotInt(pc, "index")

	if phase == "" {
		if err := startIteration(pc, cfg.BodyNodes, foreachVars(cfg, items[0], 0)); err != nil {
			return engine.Fail("start foreach body: "+err.Error(), Classify(err))
		}
		if err := saveLoopSnapshot(pc, "running", 0, 0); err != nil {
			return engine.Fail(err.Error(), Classify(err))
		}
		return &engine.Result{RequeueAfter: loopPollInterval}
	}

	inst, err := pc.Store.LoadInstance(pc.TaskID)
	if err != nil || inst == nil {
		return engine.Fail(fmt.Sprintf("load instance: %v", err), Classify(err))
	}
	done, failedNode := bodyState(inst, cfg.BodyNodes)
	if failedNode != "" {
		return engine.Fail("foreach body node "+failedNode+" failed", workflow.ErrorPermanent)
	}
	if !done {
		return &engine.Result{RequeueAfter: loopPollInterval}
	}

	next := index + 1
	if next >= len(items) {
		return engine.Succeed(map[string]interface{}{"count": len(items)})
	}
	if err := startIteration(pc, cfg.BodyNodes, foreachVars(cfg, items[next], next)); err != nil {
		return engine.Fail("re-arm foreach body: "+err.Error(), Classify(err))
	}
	if err := updateSnapshot(pc, "index", next); err != nil {
		return engine.Fail(err.Error(), Classify(err))
	}
	return &engine.Result{RequeueAfter: loopPollInterval}
}

// foreachParallel runs the body inline for every item, MaxParallel at a time.
// Inline execution trades the queue's crash recovery for fan-out speed, so it
// only fits side-effect-light bodies; suspending nodes are rejected.
func (p *Processor) foreachParallel(ctx context.Context, pc *engine.ProcessContext, cfg *workflow.ForeachConfig, items []interface{}) *engine.Result {
	limit := cfg.MaxParallel
	if limit <= 0 {
		limit = len(items)
	}

	results := make([]interface{}, len(items))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			itemCtx := engine.EvalContext(pc.Instance)
			for k, v := range foreachVars(cfg, item, i) {
				expression.SetPath(itemCtx.Variables, k, v)
			}
			itemOutputs := map[string]interface{}{}
			for _, nodeID := range cfg.BodyNodes {
				bodyNode, ok := pc.Workflow.NodeByID(nodeID)
				if !ok {
					return fmt.Errorf("foreach body node %s not found", nodeID)
				}
				sub := *pc
				sub.Node = bodyNode
				sub.EvalCtx = itemCtx
				res := p.Process(gctx, &sub)
				if res.Suspend || res.RequeueAfter > 0 {
					return fmt.Errorf("node %s cannot suspend inside a parallel foreach", nodeID)
				}
				if !res.Success {
					return fmt.Errorf("item %d node %s: %s", i, nodeID, res.Error)
				}
				itemOutputs[nodeID] = res.Output
				itemCtx.Outputs[nodeID] = res.Output
				for k, v := range res.Variables {
					expression.SetPath(itemCtx.Variables, k, v)
				}
			}
			mu.Lock()
			results[i] = itemOutputs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return engine.Fail(err.Error(), Classify(err))
	}
	return engine.Succeed(map[string]interface{}{
		"count":   len(items),
		"results": results,
	})
}

func foreachVars(cfg *workflow.ForeachConfig, item interface{}, index int) map[string]interface{} {
	vars := map[string]interface{}{
		"loop.item":  item,
		"loop.index": index,
	}
	if cfg.ItemVar != "" {
		vars[cfg.ItemVar] = item
	}
	if cfg.IndexVar != "" {
		vars[cfg.IndexVar] = index
	}
	return vars
}

// resolveCollection turns the configured collection reference into a slice.
// A map yields its values; anything else yields nothing.
func resolveCollection(ref string, ctx *expression.Context) []interface{} {
	v, ok := ctx.Resolve(ref)
	if !ok {
		if ev, err := expression.Eval(ref, ctx); err == nil {
			v = ev
		}
	}
	switch c := v.(type) {
	case []interface{}:
		return c
	case map[string]interface{}:
		out := make([]interface{}, 0, len(c))
		for _, item := range c {
			out = append(out, item)
		}
		return out
	case string:
		if c == "" {
			return nil
		}
		return []interface{}{c}
	default:
		return nil
	}
}
