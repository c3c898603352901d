/*
Package metrics exposes Prometheus metrics for the Burrow engine and the
worker-pool factory.

All metrics are package-level vars registered in init. The engine updates the
node-state gauges and submission counters from its single event-loop thread;
the factory updates the worker gauges once per control cycle. Handler returns
the HTTP handler to mount on a metrics listener:

	http.Handle("/metrics", metrics.Handler())

Timer is a small helper for recording operation latencies:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SubmitLatency)
*/
package metrics
