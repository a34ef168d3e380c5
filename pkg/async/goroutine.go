// Package async provides lifecycle-managed goroutine helpers for
// fire-and-forget background work such as decision-trail writes and
// snapshot refreshes.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn in a goroutine with panic recovery and a per-task
// timeout. The task context is detached from the parent's cancellation
// so work started during a request survives the response, but parent
// values (request ID and the like) carry over.
func SafeGo(parent context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("Background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logrus.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
}

// ForEach runs fn over items with at most workers goroutines in flight
// and returns every error encountered. Panics in a task are converted to
// errors rather than taking the process down.
func ForEach[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
		sem  = make(chan struct{}, workers)
	)

	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		if ctx.Err() != nil {
			record(ctx.Err())
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("stack", string(debug.Stack())).Error("Batch task panicked")
					record(fmt.Errorf("task panicked: %v", r))
				}
			}()

			if err := fn(ctx, item); err != nil {
				record(err)
			}
		}(item)
	}

	wg.Wait()
	return errs
}
