// Package dispatch delivers matched tuples to subscription callbacks asynchronously.
//
// Each attached subscription owns a mailbox: a lock-free MPSC queue
// (util.LockFreeMPSC) drained by one worker goroutine. Notify only pushes to the
// queue, so writers never run callbacks and never wait for them.
//
// Guarantees:
//   - Per subscription, tuples are delivered in Notify order.
//   - Detach stops new notifications at once. Tuples queued before Detach are still
//     delivered; a callback that is running finishes normally.
//   - Callback errors and panics are logged and counted. The subscription stays
//     attached and the writer never sees the failure.
//   - Indirect subscriptions skip tuples that are not newer than the last tuple
//     delivered from the same target (see subscription.Subscription.Admit).
//
// Metrics (VictoriaMetrics): dts_deliveries_total, dts_delivery_failures_total,
// dts_deliveries_skipped_total, dts_notifications_dropped_total and the gauges
// dts_dispatch_pending and dts_dispatch_mailboxes.
package dispatch
