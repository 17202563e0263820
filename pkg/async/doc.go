// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, context cancellation and error collection.
//
// # Key Functions
//
// SafeGo: fire-and-forget goroutine with panic recovery and a timeout. Used for
// asynchronous sink fan-out.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "file sink", func(ctx context.Context) error {
//		return sink.Publish(ctx, change)
//	})
//
// WorkerPool: bounded pool of workers. The deferred executor drains its
// per-operation lanes on one.
//
//	pool := async.NewWorkerPool(ctx, 8, "deferred units", 30*time.Second, logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//		return drainLane(ctx, opID)
//	})
//
// Submit blocks while the queue is full. Never call it from inside a task
// running on the same pool.
//
// Batch: concurrent processing of a slice on a temporary pool.
//
//	errs := async.Batch(ctx, ids, 4, "delete events", 10*time.Second, logger, func(ctx context.Context, id int64) error {
//		return repo.Delete(ctx, id)
//	})
package async
