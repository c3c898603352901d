package dag

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// DefaultCategoryName is assigned to nodes that do not name a category.
const DefaultCategoryName = "default"

// Node is one rule: a command with input and output file sets.
type Node struct {
	ID      int
	LineNum int

	Sources []string // ordered as written
	Targets []string // ordered as written
	Command string

	Type     types.NodeType
	Local    bool // governed by the local concurrency cap
	Category string

	// SubFile names the nested workflow file for workflow-type nodes.
	SubFile string

	// Vars is the per-node variable scope exported into the job environment.
	Vars map[string]string

	State        types.NodeState
	FailureCount int
	JobID        types.JobID

	// PrevCompletion is the journaled timestamp of the node's last recorded
	// transition, used to decide reruns against file modification times.
	PrevCompletion time.Time
}

// AddSource appends a source filename, ignoring duplicates.
func (n *Node) AddSource(name string) {
	for _, s := range n.Sources {
		if s == name {
			return
		}
	}
	n.Sources = append(n.Sources, name)
}

// AddTarget appends a target filename, ignoring duplicates.
func (n *Node) AddTarget(name string) {
	for _, t := range n.Targets {
		if t == name {
			return
		}
	}
	n.Targets = append(n.Targets, name)
}

// File is a filesystem artifact referenced by at least one node.
type File struct {
	Name string

	// InnerName is the slash-free name used inside backend sandboxes,
	// empty when no translation was needed.
	InnerName string

	// Hash is the content hash, filled lazily by the hash cache.
	Hash string

	// ProducerID is the id of the node that creates this file, or -1 when
	// the file is external input.
	ProducerID int

	// Consumers lists ids of nodes that read this file.
	Consumers []int

	SizeEstimate int64
}

// Category is a named group of nodes sharing resource requests and an
// allocation policy.
type Category struct {
	Name      string
	Resources *types.Resources
	Alloc     types.AllocMode
	Vars      map[string]string
}

// Dag owns the nodes, files and categories of one workflow.
type Dag struct {
	Filename string

	// Nodes indexed by stable id; ids are assigned in parse order from 0.
	Nodes []*Node

	// Files maps logical filename to its record. Every source and target of
	// every node has an entry.
	Files map[string]*File

	Categories      map[string]*Category
	DefaultCategory string

	// ExportVars lists environment variable names exported to every job.
	ExportVars []string

	// Completed is the set of files known to exist: external inputs found on
	// disk plus targets of completed nodes.
	Completed map[string]bool

	stateCounts [types.NodeStateMax]int
}

// New creates an empty Dag for the given workflow filename.
func New(filename string) *Dag {
	d := &Dag{
		Filename:        filename,
		Files:           make(map[string]*File),
		Categories:      make(map[string]*Category),
		DefaultCategory: DefaultCategoryName,
		Completed:       make(map[string]bool),
	}
	d.Categories[DefaultCategoryName] = &Category{
		Name:      DefaultCategoryName,
		Resources: types.NewResources(),
		Alloc:     types.AllocModeFixed,
		Vars:      map[string]string{},
	}
	return d
}

// NewNode allocates the next node in parse order.
func (d *Dag) NewNode(linenum int) *Node {
	n := &Node{
		ID:       len(d.Nodes),
		LineNum:  linenum,
		Type:     types.NodeTypeCommand,
		Category: d.DefaultCategory,
		Vars:     map[string]string{},
		State:    types.NodeStateWaiting,
		JobID:    0,
	}
	d.Nodes = append(d.Nodes, n)
	d.stateCounts[types.NodeStateWaiting]++
	return n
}

// NodeByID returns the node with the given id, or nil.
func (d *Dag) NodeByID(id int) *Node {
	if id < 0 || id >= len(d.Nodes) {
		return nil
	}
	return d.Nodes[id]
}

// EnsureCategory returns the named category, creating it lazily.
func (d *Dag) EnsureCategory(name string) *Category {
	if c, ok := d.Categories[name]; ok {
		return c
	}
	c := &Category{
		Name:      name,
		Resources: types.NewResources(),
		Alloc:     types.AllocModeFixed,
		Vars:      map[string]string{},
	}
	d.Categories[name] = c
	return c
}

// ensureFile returns the file record for name, creating it on first mention.
func (d *Dag) ensureFile(name string) *File {
	if f, ok := d.Files[name]; ok {
		return f
	}
	f := &File{Name: name, ProducerID: -1}
	d.Files[name] = f
	return f
}

// RegisterTargets indexes every node's files, enforcing that at most one
// node declares a given target.
func (d *Dag) RegisterTargets() error {
	for _, n := range d.Nodes {
		for _, t := range n.Targets {
			f := d.ensureFile(t)
			if f.ProducerID >= 0 && f.ProducerID != n.ID {
				other := d.Nodes[f.ProducerID]
				return fmt.Errorf("%s is defined multiple times at %s:%d and %s:%d",
					t, d.Filename, n.LineNum, d.Filename, other.LineNum)
			}
			f.ProducerID = n.ID
		}
	}
	for _, n := range d.Nodes {
		for _, s := range n.Sources {
			f := d.ensureFile(s)
			f.Consumers = append(f.Consumers, n.ID)
		}
	}
	return nil
}

// SetInnerName records a sandbox rename declared in the workflow file.
func (d *Dag) SetInnerName(outer, inner string) {
	d.ensureFile(outer).InnerName = inner
}

// Producer returns the node that creates the named file, or nil for
// external inputs.
func (d *Dag) Producer(filename string) *Node {
	f, ok := d.Files[filename]
	if !ok || f.ProducerID < 0 {
		return nil
	}
	return d.Nodes[f.ProducerID]
}

// Consumers returns the nodes that read the named file.
func (d *Dag) Consumers(filename string) []*Node {
	f, ok := d.Files[filename]
	if !ok {
		return nil
	}
	out := make([]*Node, 0, len(f.Consumers))
	for _, id := range f.Consumers {
		out = append(out, d.Nodes[id])
	}
	return out
}

// SetState moves a node to a new state, maintaining the per-state tallies.
// Journalling the transition is the caller's responsibility.
func (d *Dag) SetState(n *Node, state types.NodeState) {
	if d.stateCounts[n.State] > 0 {
		d.stateCounts[n.State]--
	}
	n.State = state
	d.stateCounts[state]++
}

// StateCounts returns the current per-state node tallies.
func (d *Dag) StateCounts() [types.NodeStateMax]int {
	return d.stateCounts
}

// CountStates recomputes the tallies from node states. Used after recovery,
// when states were assigned directly from the journal.
func (d *Dag) CountStates() {
	var counts [types.NodeStateMax]int
	for _, n := range d.Nodes {
		counts[n.State]++
	}
	d.stateCounts = counts
}

// MarkCompleted records that a file now exists.
func (d *Dag) MarkCompleted(filename string) {
	d.Completed[filename] = true
}

// ClearCompleted forgets that a file exists, used when targets are cleaned.
func (d *Dag) ClearCompleted(filename string) {
	delete(d.Completed, filename)
}

// IsCompleted reports whether a file is known to exist.
func (d *Dag) IsCompleted(filename string) bool {
	return d.Completed[filename]
}
