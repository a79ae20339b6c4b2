/*
Package metrics defines and registers the grid's Prometheus instrumentation:
topology/partition gauges, write-path and continuous-query latency
histograms, service-orchestrator convergence, and the system cache's Raft
state. All metrics are registered at package init and exposed via Handler
for scraping.

# Usage

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	err := writeEntry(...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.WritesTotal.WithLabelValues(cacheName, outcome).Inc()
	timer.ObserveDurationVec(metrics.WriteLatency, cacheName, string(syncMode))

Collector samples a Source (bound in pkg/grid) on a 15s tick into the
gauges that aren't naturally updated inline by the operation that changes
them (entry/partition/service counts, Raft leadership and applied index).
Counters and histograms (writes, CQ dispatch, rebalance) are instead
updated at the call site, since a periodic sampler cannot reconstruct
a rate or a distribution after the fact.
*/
package metrics
