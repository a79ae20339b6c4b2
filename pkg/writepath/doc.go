/*
Package writepath implements the Write Path (spec §4.5): a Coordinator
that accepts a put/remove for one cache, resolves the key's primary via
pkg/affinity against the node's current pkg/topology view, and either
applies it locally (stamping a Version and fanning out to backups
through pkg/transport) or forwards it to the true primary and relays
the ack back.

ATOMIC writes (writepath.go) are last-writer-wins: the write applies
unconditionally and a concurrent loser is silently overwritten per its
Version ordering. TRANSACTIONAL writes go through the Transactor in
txn.go, which takes per-key locks as writes are staged (its prepare
step) and, on Commit, applies them straight to each Store, or drops
them on Abort. It does not go through the Coordinator, so committed
writes are not fanned out to backups.

A forwarded CacheWriteReq runs the same primary lookup again on the
receiving node: if that node's view names another primary the request
is forwarded on, and if its Store refuses the partition as not owned,
the ack carries the errTopologyChanged sentinel, which the Coordinator
on the sending side turns back into a remap-and-retry rather than a
hard failure.
*/
package writepath
