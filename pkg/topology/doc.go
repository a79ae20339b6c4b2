/*
Package topology implements the Topology View (spec §4.2).

Manager holds the authoritative, monotonically versioned sequence of
Views for one node. Join and Leave publish a new version; Subscribe
registers a Listener invoked on every publish (pkg/partition's
rebalance driver and pkg/service's convergence loop both subscribe so
they can react to membership changes without polling).

Monitor drives Leave automatically: it probes every peer on an
interval via pkg/probe and removes a peer once its retry budget is
exhausted. Actual node discovery and the join handshake itself are
out of scope here — they cross the excluded membership-transport
boundary (see pkg/transport) and are invoked, not reimplemented.
*/
package topology
