// Package worker provides a generic worker pool for concurrent task processing.
//
// A Pool[T] runs a fixed number of goroutines over a bounded queue. Submit
// never blocks: when the queue is full it returns ErrQueueFull and the caller
// decides whether to drop or retry. The discovery engine runs its candidate
// and deployment tasks on a pool, and the rule engine submits one item per
// rule when a trigger fires, so CEP callbacks only enqueue.
//
// A processor that panics fails only the item it was processing. The panic is
// reported as a *PanicError, logged with its stack and counted separately.
//
//	pool := worker.NewPool("rules", 4, 256, engine.executeRule,
//	    worker.WithLogger[ruleJob](logger),
//	    worker.WithMetricsRegistry[ruleJob](registry))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Stop closes the queue and waits for queued items to drain, up to the timeout.
package worker
