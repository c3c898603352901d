/*
Package parser reads a workflow file and produces the DAG the engine runs.

# Syntax

The workflow format is make-like. A rule is a header line naming its target
and source files, followed by one command line:

	out.dat cleaned.log : in.dat filter.sh
		./filter.sh in.dat > out.dat 2> cleaned.log

Variable assignments (NAME=value) between rules are exported into the job
environment and substituted into later lines with $NAME or ${NAME}. A few
assignments steer parsing itself:

	CATEGORY=analysis     # following rules join this category
	CORES=4               # resource request for the current category
	MEMORY=2048           # MiB
	DISK=1024             # MiB
	GPUS=1
	WALL_TIME=3600        # seconds
	MPI_PROCESSES=8

A command prefixed with LOCAL is pinned to the local backend regardless of
the configured remote backend. A command of the form SUBFLOW <file> declares
a nested workflow executed recursively with its own journal.

File names may carry a sandbox rename as outer=inner; the outer name is the
path on the submission host, the inner name the one visible to the task.

Comments run from # to end of line. Malformed input aborts with the file
name and line number.
*/
package parser
