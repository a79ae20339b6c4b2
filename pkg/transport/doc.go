/*
Package transport defines Sender and Topic, the grid's two narrow
external-collaborator interfaces for node-to-node communication, and
provides two implementations:

TCPTransport/Listener: TLS-wrapped, length-prefixed frames over
net.Conn, authenticated with certs from pkg/security's CertAuthority.
Suitable for small real deployments and for tests that want a real
socket.

InMemory/InMemoryTopic: an in-process fabric with no network involved.
InMemory delivers each Send by calling the target node's registered
handler directly; InMemoryTopic queues published messages on a buffered
channel that one goroutine drains in order. Used by unit tests across
pkg/writepath, pkg/cq and pkg/partition that need a Sender without a
listener.

Neither implementation does cluster membership discovery or the join
handshake — those cross the excluded membership-transport boundary
(spec §1) and are driven by pkg/topology's Manager from outside this
package.
*/
package transport
