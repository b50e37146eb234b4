package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// execute runs the batch's tasks through the dispatcher → workers →
// collector flow. Every task yields exactly one result.
func (e *Engine) execute(ctx context.Context, b *batch) []Result {
	if len(b.tasks) == 0 {
		return nil
	}

	workers := e.cfg.Workers
	if workers > len(b.tasks) {
		workers = len(b.tasks)
	}

	workQueue := make(chan unitTask, workers*2)
	resultChan := make(chan Result, len(b.tasks))
	asm := e.newAssembler(b.force)
	forced := asm
	if !b.force {
		forced = e.newAssembler(true)
	}

	var wg sync.WaitGroup

	// Start worker pool
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for task := range workQueue {
				if err := ctx.Err(); err != nil {
					resultChan <- Result{Unit: task.Unit, Outcome: OutcomeFailure, Path: task.OutPath, Err: err}
					continue
				}
				a := asm
				if task.Force {
					a = forced
				}
				resultChan <- e.safeProcess(ctx, workerID, b, a, task)
			}
		}(i)
	}

	// Start dispatcher
	go func() {
		defer close(workQueue)
		for i, task := range b.tasks {
			select {
			case <-ctx.Done():
				for _, rest := range b.tasks[i:] {
					resultChan <- Result{Unit: rest.Unit, Outcome: OutcomeFailure, Path: rest.OutPath, Err: ctx.Err()}
				}
				return
			case workQueue <- task:
			}
		}
	}()

	// Close results when workers finish
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]Result, 0, len(b.tasks))
	for r := range resultChan {
		results = append(results, r)
	}
	return results
}

// safeProcess turns a panic in one unit into a failure so siblings carry on.
func (e *Engine) safeProcess(ctx context.Context, workerID int, b *batch, asm assembler, task unitTask) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("unit panicked", "unit", task.Unit.Key(), "worker_id", workerID, "panic", r, "stack", string(debug.Stack()))
			res = Result{
				Unit:    task.Unit,
				Outcome: OutcomeFailure,
				Path:    task.OutPath,
				Err:     fmt.Errorf("panic: %v", r),
			}
		}
	}()
	return e.processUnit(ctx, workerID, b, asm, task)
}
