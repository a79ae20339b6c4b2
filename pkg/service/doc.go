/*
Package service implements the Service Orchestrator (spec §4.7): keeping
the live set of service instances on each node matching the current
assignment map.

Deploy persists a ServiceDeployment to the System Cache (pkg/syscache);
the oldest live node (topology.View.Oldest, spec §4.7 step 0) computes
the Assignment via the algorithm in assign.go and persists it back.
Every node — via the System Cache's ChangeListener, which fires in Raft
log order on every replica — compares its own entry in the new
Assignment against its locally running instance count and starts or
stops instances to converge (Orchestrator.reconcile in orchestrator.go).
Each instance runs in its own goroutine, standing in for "its own
single-threaded executor"; it is stopped by calling its Cancel hook and
cancelling its context, and reconcile stops excess instances one at a
time, waiting for each to return.

Remote service code is never transmitted: like pkg/cq's named-filter
escape hatch, a ServiceDeployment's ServiceBytes field carries the
factory's registered name, resolved locally via RegisterFactory — the
same "pre-deployed everywhere" peer class loading policy used
throughout this implementation (spec §9 Design Notes option (a)).
*/
package service
