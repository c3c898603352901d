/*
Package engine drives a workflow DAG to completion.

The engine owns the DAG, a local and a remote batch queue, two job tables
keyed by backend job id, and a crash-consistent journal. Its event loop is
single-threaded and cooperative: a non-blocking dispatch sweep over the
node list in parse order, then a bounded wait on each queue with running
jobs. All DAG mutations happen on this one thread of control; parallelism
comes exclusively from jobs executing in separate processes and hosts.

	d, _ := parser.Parse("pipeline.flow")
	e, _ := engine.New(d, localQ, remoteQ, cfg)
	if err := e.Check(); err != nil { ... }
	if err := e.Recover(); err != nil { ... }
	err := e.Run(ctx)

# Journal

Every state transition appends one line to the journal, followed by a
flush and an fsync. On start-up a non-empty journal is replayed: node
states and job ids are restored, jobs that survive an engine restart are
re-adopted, everything else running is reset and its targets cleaned, and
file modification times decide which nodes (and, transitively, their
descendants) must be forced to rerun. A malformed journal line aborts with
a corruption error rather than being skipped.

# Failure policy

A job that exits non-zero, crashes on a signal, or claims success without
creating a declared output is failed. If retries are enabled and the
failure count is under the maximum, or the job exited with the reserved
transient code 101, the node goes back to Waiting; otherwise it is Failed
and the workflow finishes its in-flight work before exiting non-zero.
Submission rejections are retried with exponential backoff until the
submit timeout elapses.
*/
package engine
