/*
Package factory keeps a fleet of ephemeral workers provisioned to match
the demand one or more managers publish to the directory service.

Every cycle (30 seconds by default) the factory re-reads its configuration
if it changed, queries the directory service for managers matching the
configured name pattern, computes how many workers their waiting and
running tasks call for, clamps that figure between the configured minimum
and maximum, and submits at most workers-per-cycle new worker jobs into
its batch queue. Completed worker jobs are reaped, the union of the
managers' worker blocklists is pushed down to the queue so new workers
avoid those hosts, and the factory publishes its own status back to the
directory service.

Configuration lives in a YAML file that may be edited while the factory
runs; invalid edits are logged and the previous values kept. The factory
exits cleanly when no matching manager has been seen for the configured
timeout, or when its parent process disappears in parent-death mode.
*/
package factory
