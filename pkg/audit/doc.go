// Package audit turns host mutations into durable audit events with
// before/after property diffs.
//
// # Overview
//
// An Event records who (actor) did what (classification) to which subject,
// with a set of Properties holding before/after values and free-form Meta.
// Values go through the Normalizer so that "5", 5 and int32(5) compare
// equal and composite values compare by content.
//
// # Recording
//
// One-shot events:
//
//	rec.LogEvent(ctx, audit.ClassLogin, &audit.SubjectRef{Kind: audit.SubjectUser, ID: "7", Name: "ana"})
//
// Events built across several call sites share an Operation, which is
// flushed once at the end of the request or deferred unit:
//
//	op := rec.NewOperation("")
//	ev := op.Event(ctx, audit.ClassUpdated, post)
//	ev.SetProperty("title", "posts", "Draft", "Final")
//	...
//	err := op.Flush(ctx)
//
// Create returns nil when the actor cannot be resolved or its role is not
// tracked. That is the normal "not recording this" path, not an error.
//
// # Coalescing
//
// Classifications with a ReuseWindow merge new changes into the most recent
// stored event for the same subject while that event is younger than the
// window. Before values stay pinned to the oldest known value; after values
// advance. A merged event whose changes cancel out is deleted.
//
// # Storage
//
// DBStore persists events to PostgreSQL (audit_events, audit_properties,
// audit_eventmeta, audit_notes); MemoryStore keeps them in process. Every
// Save and Delete is a single transaction.
//
// # Related Packages
//
//   - pkg/deferred: snapshot capture and per-operation FIFO replay
//   - pkg/pipeline: notification handlers that drive this package
//   - pkg/activity: session liveness tracking
//   - pkg/retention: periodic deletion of old events
package audit
