/*
Package cq implements the Continuous Query Manager (spec §4.6).

Manager implements cache.EventSink and is installed on a Store via
SetEventSink; every applied mutation is evaluated against the routines
registered for that cache. ExecuteQuery installs a user-listener
handler locally and fans ContinuousQueryRegister out to every other
target node via transport.Sender; ExecuteInternalQuery does the same
for the internal listener set (only internal-keyspace events, e.g. the
System Cache, spec §4.8); RegisterEntryListener is the JCache-style
entry-listener variant, always old-value-carrying and optionally
synchronous. A handler whose home node is the evaluating node invokes
its LocalListener synchronously, in the mutating thread, matching spec
§4.6's "invoke it synchronously with a singleton batch" contract; a
handler whose home node is remote is wrapped in a ContinuousQueryEvent
carrying (originNodeId, routineId, seq) and either published on an
ordered, buffered topic toward that node (async handlers, giving
per-origin FIFO and at-least-once delivery — a failed send is re-sent
up to five attempts with a growing pause before the event is logged
as failed, and the dedupeTracker on the receiving Manager drops the
replay) or sent directly and waited on (Flags.Sync, which blocks
the originating write until the remote invocation acknowledges).

OnEntryEvent's per-handler pass (spec §4.6 Event path step 3) partitions
by Flags.Internal against the event's internal-keyspace flag, gates
REPLICATED-cache events on primary ownership unless SkipPrimaryCheck is
set, evaluates the remote filter, and nulls OldValue unless
OldValRequired is set — in that order, so a handler never sees more
than its flags entitle it to.

Filters are the tagged-sum variant described in filter.go: no
dynamically loaded code crosses the wire, only a FilterKind string
plus FilterArgs bytes that DecodeFilter turns back into the same
concrete Filter the registering node built.

A handler's TimeInterval, when nonzero, trades immediate delivery for
coalesced batches: matched events accumulate in a per-handler buffer
instead of being dispatched as they arrive, and a ticker goroutine
flushes the buffer once per interval. TimeInterval == 0, the default,
keeps every event flowing through dispatch immediately; a Flags.Sync
handler always bypasses batching, since its blocking-ack contract is
with the write that raised the event, not a later tick.
*/
package cq
