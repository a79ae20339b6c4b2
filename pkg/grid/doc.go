// Package grid wires one node's full stack together: the Topology
// View, one Cache Store/Partition State Machine/Write Path triple per
// configured cache, the Continuous Query Manager, the Service
// Orchestrator, the System Cache, and the transport listener that
// dispatches inbound wire messages to the right component. It is the
// composition root cmd/gridnode's main binds against; no
// subsystem here knows about any other except through the narrow
// interfaces each already exposes.
package grid
