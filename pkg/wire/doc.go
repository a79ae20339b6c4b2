/*
Package wire defines the grid's wire messages and their codecs.

Every message type registers a stable uint16 type id and uint8 schema
version with a Registry (see registry in wire.go), paired with a
hand-written encode/decode function rather than relying on reflection
or encoding/gob. DefaultRegistry carries every message family named in
the external interfaces: cache writes and their backups, rebalance
batches, continuous-query registration and fan-out events, and service
deploy/assign records.

Adding a new field to an existing message requires bumping its version
and handling both the old and new wire shapes in the decoder until
every node in a cluster has upgraded; this package does not do that
for you, by design — see CHANGELOG discipline in the grid's operator
docs.
*/
package wire
