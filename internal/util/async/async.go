// Package async provides utilities for parallel task execution.
//
// This package contains generic helpers for running multiple operations
// concurrently with bounded fan-out, collecting results, and handling
// errors. It's used for parallel provisioning work such as probing
// address ranges and configuring device fleets.
package async

import (
	"context"
	"fmt"
	"sync"
)

// Task represents an asynchronous operation with a name and function.
type Task struct {
	Name string
	Func func(context.Context) error
}

// RunParallel executes multiple tasks in parallel and returns the first error encountered.
// All tasks are started concurrently, and the function waits for all to complete.
// If any task returns an error, the first error is returned after all tasks finish.
//
// Example:
//
//	tasks := []Task{
//	    {Name: "gateway", Func: h.ensureGateway},
//	    {Name: "datastore", Func: h.ensureDatastore},
//	}
//	if err := RunParallel(ctx, tasks); err != nil {
//	    return err
//	}
func RunParallel(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	type result struct {
		name string
		err  error
	}

	resultChan := make(chan result, len(tasks))

	// Start all tasks
	for _, task := range tasks {
		go func() {
			err := task.Func(ctx)
			resultChan <- result{name: task.Name, err: err}
		}()
	}

	// Wait for all tasks to complete and collect first error
	var firstError error
	for range len(tasks) {
		res := <-resultChan
		if res.err != nil && firstError == nil {
			firstError = fmt.Errorf("%s: %w", res.name, res.err)
		}
	}

	return firstError
}

// ForEachLimited runs fn for every item with at most limit invocations
// in flight at once. It waits for all started invocations to finish and
// returns the first error encountered. Once ctx is cancelled no further
// items are started; in-flight invocations are expected to honor ctx
// themselves.
//
// A limit <= 0 runs everything concurrently.
func ForEachLimited[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, limit)

	cancelled := false
	for _, item := range items {
		select {
		case <-ctx.Done():
			cancelled = true
		case sem <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := fn(ctx, item); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}()
		}
		if cancelled {
			break
		}
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	if cancelled {
		return ctx.Err()
	}
	return nil
}
