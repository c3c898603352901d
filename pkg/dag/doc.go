/*
Package dag holds the in-memory representation of a workflow: rules (nodes),
the files they exchange, resource categories, and the bookkeeping the engine
needs to drive them.

# Structure

Nodes are kept in a slice indexed by their stable integer id, assigned in
parse order starting from 0. Nodes never point at each other directly; all
dependency structure is expressed through filenames resolved via the file
table, and nodes are referenced everywhere by integer id.

	dag := dag.New("pipeline.flow")
	n := dag.NewNode(12)              // linenum for diagnostics
	n.AddTarget("out.dat")
	n.AddSource("in.dat")
	n.Command = "transform in.dat > out.dat"
	err := dag.RegisterTargets()      // duplicate-target check

# Invariants

After every state transition the following hold, and CountStates recomputes
the tallies from scratch for verification:

  - the sum of per-state counts equals the total node count
  - at most one node produces a given logical filename
  - every target of a node appears in the file table pointing back at it
*/
package dag
