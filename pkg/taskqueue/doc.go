/*
Package taskqueue provides the task-manager contract consumed by the
distributed-queue batch backend, plus an embedded implementation.

A Manager accepts task objects carrying a command, tagged input/output
files with caching and rename semantics, environment variables and resource
hints; completed tasks are reaped through Wait together with their captured
standard output.

The embedded Pool implementation runs tasks on a set of local executor
goroutines, each in its own sandbox directory: inputs are staged in under
their inner names (hard-linked from a content-addressed store when cached),
the command runs via the shell, and declared outputs are moved back out.
Executors pull work as they free up, so long tasks do not hold back short
ones. It stands in for an external work-stealing manager in standalone
deployments and in tests.
*/
package taskqueue
