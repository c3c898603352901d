package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/dag"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// ErrJournalCorrupt marks an unreadable journal; recovery never skips
// malformed lines silently.
var ErrJournalCorrupt = errors.New("journal is corrupted")

// journal is the append-only log of state transitions. Each record is one
// text line; comment lines written once per node at first run record the
// node id, its command, and its parent node ids.
type journal struct {
	path string
	f    *os.File
}

// journalRecord is one parsed data line.
type journalRecord struct {
	Timestamp time.Time
	NodeID    int
	State     types.NodeState
	JobID     types.JobID
}

// replayJournal reads an existing journal and applies each record to the
// DAG. It returns false when the journal does not exist or is empty, which
// makes this a first run.
func replayJournal(path string, d *dag.Dag) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}

	// A missing trailing newline means the last append was torn.
	if data[len(data)-1] != '\n' {
		return false, fmt.Errorf("%w: %s has no trailing newline", ErrJournalCorrupt, path)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseJournalLine(line)
		if err != nil {
			return false, fmt.Errorf("%w: %s line %d: %v", ErrJournalCorrupt, path, i+1, err)
		}
		n := d.NodeByID(rec.NodeID)
		if n == nil {
			return false, fmt.Errorf("%w: %s line %d: unknown node %d", ErrJournalCorrupt, path, i+1, rec.NodeID)
		}
		n.State = rec.State
		n.JobID = rec.JobID
		n.PrevCompletion = rec.Timestamp
	}
	d.CountStates()
	return true, nil
}

// parseJournalLine decodes one data line:
// timestamp nodeid state jobid waiting running complete failed aborted total
func parseJournalLine(line string) (*journalRecord, error) {
	var ts int64
	var nodeid, state int
	var jobid int64
	var counts [5]int
	var total int

	n, err := fmt.Sscanf(line, "%d %d %d %d %d %d %d %d %d %d",
		&ts, &nodeid, &state, &jobid,
		&counts[0], &counts[1], &counts[2], &counts[3], &counts[4], &total)
	if err != nil || n != 10 {
		return nil, fmt.Errorf("malformed record %q", line)
	}
	if state < 0 || state >= int(types.NodeStateMax) {
		return nil, fmt.Errorf("state %d out of range", state)
	}
	return &journalRecord{
		Timestamp: time.Unix(ts, 0),
		NodeID:    nodeid,
		State:     types.NodeState(state),
		JobID:     types.JobID(jobid),
	}, nil
}

// openJournal opens the journal for appending.
func openJournal(path string) (*journal, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("couldn't open journal %s: %w", path, err)
	}
	return &journal{path: path, f: f}, nil
}

// writeComments records each node's id, command and parents, once per
// workflow on its first run.
func (j *journal) writeComments(d *dag.Dag) error {
	for _, n := range d.Nodes {
		var b strings.Builder
		fmt.Fprintf(&b, "# %d\t%s", n.ID, n.Command)
		for _, s := range n.Sources {
			if p := d.Producer(s); p != nil {
				fmt.Fprintf(&b, "\t%d", p.ID)
			}
		}
		b.WriteByte('\n')
		if _, err := j.f.WriteString(b.String()); err != nil {
			return err
		}
	}
	return j.f.Sync()
}

// append writes one state-transition record and makes it durable.
func (j *journal) append(n *dag.Node, d *dag.Dag) error {
	counts := d.StateCounts()
	line := fmt.Sprintf("%d %d %d %d %d %d %d %d %d %d\n",
		time.Now().Unix(), n.ID, int(n.State), int64(n.JobID),
		counts[types.NodeStateWaiting], counts[types.NodeStateRunning],
		counts[types.NodeStateComplete], counts[types.NodeStateFailed],
		counts[types.NodeStateAborted], len(d.Nodes))
	if _, err := j.f.WriteString(line); err != nil {
		return err
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	metrics.JournalWrites.Inc()
	return nil
}

func (j *journal) close() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
