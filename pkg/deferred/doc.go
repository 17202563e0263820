// Package deferred moves audit work out of the request path.
//
// Host notifications are captured synchronously as Units: the payload is
// snapshotted to JSON and tagged with the id of the logical operation and a
// per-operation sequence number. Capture only touches memory.
//
//	capturer := deferred.NewCapturer(4096, logger, metrics)
//	capturer.Capture(operationID, "subject.updated", payload)
//	go capturer.Drain(ctx, deferred.NewStreamPublisher(rdb, "audit:units", 4, 100000))
//
// The publisher routes every operation to one of the shard streams. A worker
// reads each shard it owns with a StreamConsumer and hands units to an
// Executor, which runs units of the same operation one at a time in
// sequence order while different operations proceed in parallel. Messages
// are acknowledged after the unit ran; a shard lease keeps a shard to one
// active consumer:
//
//	exec := deferred.NewExecutor(ctx, registry, deferred.ExecutorConfig{Workers: 8}, logger, metrics)
//	consumer := deferred.NewStreamConsumer(rdb, deferred.StreamConsumerConfig{
//		Stream: deferred.ShardName("audit:units", 2), Group: "workers",
//		Consumer: hostname, Lease: 30 * time.Second,
//	}, exec, logger, metrics)
//	go exec.Run(ctx)
//	consumer.Run(ctx)
//
// A missing sequence number holds back the rest of its operation for at most
// GapTimeout; after that the executor skips ahead. Units older than the
// current position are dropped.
package deferred
