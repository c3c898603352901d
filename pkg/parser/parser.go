package parser

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/dag"
	"github.com/cuemby/burrow/pkg/types"
)

// ParseError describes a malformed workflow file.
type ParseError struct {
	Filename string
	Line     int
	Msg      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Filename, e.Line, e.Msg)
}

// parser carries the scanning state for one workflow file.
type parser struct {
	filename string
	scanner  *bufio.Scanner
	linenum  int

	// vars accumulates assignments seen so far; they are substituted into
	// later lines and exported into every job environment.
	vars map[string]string

	category string
}

// Parse reads the named workflow file and returns its DAG. The returned DAG
// has stable node ids in parse order, a populated file table with the
// duplicate-target check applied, and the set of exported variable names.
func Parse(filename string) (*dag.Dag, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening workflow: %w", err)
	}
	defer file.Close()

	p := &parser{
		filename: filename,
		scanner:  bufio.NewScanner(file),
		vars:     make(map[string]string),
		category: dag.DefaultCategoryName,
	}
	p.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	d := dag.New(filename)

	for {
		line, ok := p.next()
		if !ok {
			break
		}
		if line == "" {
			continue
		}

		if isAssignment(line) {
			if err := p.assign(d, line); err != nil {
				return nil, err
			}
			continue
		}

		if err := p.rule(d, line); err != nil {
			return nil, err
		}
	}
	if err := p.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}

	if err := d.RegisterTargets(); err != nil {
		return nil, err
	}
	return d, nil
}

// next returns the next cooked line: comment stripped, variables expanded,
// whitespace trimmed at the right. The second result is false at EOF.
func (p *parser) next() (string, bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	p.linenum++

	line := p.scanner.Text()
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = os.Expand(line, func(name string) string {
		if v, ok := p.vars[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
	return strings.TrimRight(line, " \t"), true
}

// assignmentPattern matches a NAME= prefix; rename items in rule headers
// carry paths, which an identifier never does.
var assignmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*[ \t]*=`)

// isAssignment reports whether the line is NAME=value rather than a rule
// header. A colon before the equals sign means the line is a rule header
// whose file list happens to contain an equals sign. A line starting with
// the equals sign is an assignment with no name, which assign rejects.
func isAssignment(line string) bool {
	if strings.HasPrefix(line, "=") {
		return true
	}
	if !assignmentPattern.MatchString(line) {
		return false
	}
	eq := strings.IndexByte(line, '=')
	colon := strings.IndexByte(line, ':')
	return colon < 0 || colon > eq
}

func (p *parser) errf(format string, args ...any) error {
	return &ParseError{Filename: p.filename, Line: p.linenum, Msg: fmt.Sprintf(format, args...)}
}

// assign handles a NAME=value line.
func (p *parser) assign(d *dag.Dag, line string) error {
	eq := strings.IndexByte(line, '=')
	name := strings.TrimSpace(line[:eq])
	value := strings.TrimSpace(line[eq+1:])
	if name == "" {
		return p.errf("variable assignment has no name")
	}

	switch name {
	case "CATEGORY":
		if value == "" {
			value = dag.DefaultCategoryName
		}
		p.category = value
		d.EnsureCategory(value)
		return nil
	case "CORES", "MEMORY", "DISK", "GPUS", "WALL_TIME", "MPI_PROCESSES":
		return p.setResource(d, name, value)
	case "ALLOCATION":
		switch types.AllocMode(value) {
		case types.AllocModeFixed, types.AllocModeMaxThroughput, types.AllocModeMinWaste:
			d.EnsureCategory(p.category).Alloc = types.AllocMode(value)
			return nil
		}
		return p.errf("ALLOCATION must be fixed, max-throughput or min-waste, got %q", value)
	}

	p.vars[name] = value
	os.Setenv(name, value)
	for _, v := range d.ExportVars {
		if v == name {
			return nil
		}
	}
	d.ExportVars = append(d.ExportVars, name)
	return nil
}

func (p *parser) setResource(d *dag.Dag, name, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return p.errf("%s must be a non-negative integer, got %q", name, value)
	}
	res := d.EnsureCategory(p.category).Resources
	switch name {
	case "CORES":
		res.Cores = n
	case "MEMORY":
		res.MemoryMB = n
	case "DISK":
		res.DiskMB = n
	case "GPUS":
		res.GPUs = n
	case "WALL_TIME":
		res.WallTimeSecs = n
	case "MPI_PROCESSES":
		res.MPIProcesses = n
	}
	return nil
}

// rule parses a "targets : sources" header plus its command line.
func (p *parser) rule(d *dag.Dag, header string) error {
	colon := strings.IndexByte(header, ':')
	if colon < 0 {
		return p.errf("expected a rule header, got %q", header)
	}

	n := d.NewNode(p.linenum)
	n.Category = p.category
	for k, v := range p.vars {
		n.Vars[k] = v
	}

	if err := p.fileList(d, n, header[:colon], false); err != nil {
		return err
	}
	if err := p.fileList(d, n, header[colon+1:], true); err != nil {
		return err
	}
	if len(n.Targets) == 0 {
		return p.errf("rule declares no targets")
	}

	cmd, ok := p.next()
	for ok && strings.TrimSpace(cmd) == "" {
		cmd, ok = p.next()
	}
	if !ok {
		return p.errf("expected a command")
	}
	cmd = strings.TrimSpace(cmd)

	if rest, found := strings.CutPrefix(cmd, "LOCAL "); found {
		n.Local = true
		cmd = strings.TrimSpace(rest)
	}
	if cmd == "SUBFLOW" || strings.HasPrefix(cmd, "SUBFLOW ") {
		n.Type = types.NodeTypeWorkflow
		n.SubFile = strings.TrimSpace(strings.TrimPrefix(cmd, "SUBFLOW"))
		if n.SubFile == "" {
			return p.errf("SUBFLOW needs a workflow file")
		}
		// Nested workflows always run under the local cap.
		n.Local = true
	}
	if cmd == "" {
		return p.errf("expected a command")
	}
	n.Command = cmd
	return nil
}

// fileList splits a whitespace-separated list of filenames, handling the
// optional outer=inner sandbox rename on each item.
func (p *parser) fileList(d *dag.Dag, n *dag.Node, list string, source bool) error {
	for _, item := range strings.Fields(list) {
		outer := item
		inner := ""
		if eq := strings.IndexByte(item, '='); eq >= 0 {
			outer = item[:eq]
			inner = item[eq+1:]
			if outer == "" || inner == "" {
				return p.errf("malformed rename %q", item)
			}
		}
		if source {
			n.AddSource(outer)
		} else {
			n.AddTarget(outer)
		}
		if inner != "" {
			d.SetInnerName(outer, inner)
		}
	}
	return nil
}
