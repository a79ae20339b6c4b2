// Package transport defines the grid's two narrow collaborator
// interfaces for node-to-node communication (spec §4.12/§6): Sender
// for point-to-point request/ack exchanges, and Topic for the
// per-routine ordered fan-out channel the Continuous Query Manager
// uses. The core depends only on these interfaces; cluster membership
// discovery and the physical join handshake are excluded collaborators
// per spec §1 and are not implemented by this package.
package transport

import (
	"context"

	"github.com/latticedb/lattice/pkg/wire"
)

// Sender exchanges one request for one ack with a named peer. Every
// point-to-point message in spec §6 (CacheWriteReq, BackupReq,
// RebalanceBatch, ServiceDeploy, ServiceAssign and their acks) goes
// through Send.
type Sender interface {
	// Send encodes msg under typeID via the wire registry, delivers it
	// to nodeID, and decodes the peer's ack response.
	Send(ctx context.Context, nodeID string, typeID uint16, msg interface{}) (interface{}, error)
}

// Topic is a single, ordered, per-routine fan-out channel toward one
// listener's home node (spec §6: "Ordered topics guarantee FIFO on a
// single TCP-like connection"). The core assumes the implementation
// preserves order and reports delivery failures to a FailureHandler
// rather than losing events silently.
type Topic interface {
	// Publish enqueues msg (always a wire.ContinuousQueryEvent) for
	// delivery, preserving the order Publish was called in.
	Publish(ctx context.Context, msg interface{}) error
	// Close releases the topic's resources (e.g. its TCP connection).
	Close() error
}

// FailureHandler is invoked by InMemoryTopic when delivering a message
// returns an error, with the nodeID the topic was created with. pkg/cq
// installs one that logs the failure; no Sender implementation calls it.
type FailureHandler func(nodeID string, err error)

// Registry is the subset of *wire.Registry a transport implementation
// needs: encode outbound, decode inbound.
type Registry interface {
	Encode(typeID uint16, msg interface{}) ([]byte, error)
	Decode(buf []byte) (interface{}, uint16, int, error)
}

var _ Registry = (*wire.Registry)(nil)
