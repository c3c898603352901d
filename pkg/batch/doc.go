/*
Package batch hides the submit/wait/cancel differences between execution
backends behind one contract.

# Contract

A Queue accepts a shell command plus comma-delimited input and output file
lists, an environment map, and an optional resource request, and returns an
opaque job id. Wait blocks up to a timeout for any job to complete and
returns its completion record. Remove requests cancellation; the cancelled
job still surfaces as a completion through Wait.

	q, err := batch.Create("slurm")
	if err != nil { ... }
	id, err := q.Submit("sort in.dat > out.dat", "in.dat", "out.dat", env, res)
	jobid, info, err := q.Wait(5 * time.Second)

Each item of a file list is either a single name (same inside and outside
the sandbox) or outer=inner for backends with a remote namespace.

# Variants

Variants register themselves under a string tag at init time; Create looks
the tag up and allocates per-type state. A registered variant may still be
unusable at runtime (submit tool not installed, containerd socket absent);
Create surfaces that as an error so callers can degrade. Setting
BURROW_WITH_<TAG>=no force-disables a variant.

	local      fork/exec on the submission host
	cluster    generic submit-script cluster, configured via environment
	sge pbs torque slurm lsf moab
	           submit-script clusters with per-system parameters
	condor     submit description plus shared event log
	cloud      one cloud instance per task over the provider CLI
	container  one container per task via containerd
	taskqueue  hands tasks to a work-stealing task manager
	dryrun     records the shell script it would have run
	noop       completes every job instantly; for tests

# Filesystem shim

Queues also expose a small filesystem interface so callers can address a
backend's namespace uniformly. Most variants operate on the host filesystem;
the dryrun variant records equivalent shell commands instead.
*/
package batch
