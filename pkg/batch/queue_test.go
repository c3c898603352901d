package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFileList(t *testing.T) {
	tests := []struct {
		name string
		list string
		want []FilePair
	}{
		{
			name: "empty",
			list: "",
			want: nil,
		},
		{
			name: "single name",
			list: "in.dat",
			want: []FilePair{{Outer: "in.dat", Inner: "in.dat"}},
		},
		{
			name: "multiple names",
			list: "a.dat,b.dat,c.dat",
			want: []FilePair{
				{Outer: "a.dat", Inner: "a.dat"},
				{Outer: "b.dat", Inner: "b.dat"},
				{Outer: "c.dat", Inner: "c.dat"},
			},
		},
		{
			name: "rename",
			list: "/abs/path.dat=path.dat",
			want: []FilePair{{Outer: "/abs/path.dat", Inner: "path.dat"}},
		},
		{
			name: "mixed with empty items",
			list: "a.dat,,b.dat=inner.dat,",
			want: []FilePair{
				{Outer: "a.dat", Inner: "a.dat"},
				{Outer: "b.dat", Inner: "inner.dat"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitFileList(tt.list))
		})
	}
}

func TestCreateUnknownType(t *testing.T) {
	_, err := Create("no-such-backend")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-backend")
}

func TestCreateDisabledByEnvironment(t *testing.T) {
	t.Setenv("BURROW_WITH_NOOP", "no")
	_, err := Create("noop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestTypesIncludesCoreVariants(t *testing.T) {
	tags := Types()
	for _, want := range []string{"local", "condor", "slurm", "cluster", "cloud", "taskqueue", "dryrun", "noop"} {
		assert.Contains(t, tags, want)
	}
}

func TestOptions(t *testing.T) {
	var o options
	assert.Equal(t, "", o.Option("missing"))

	o.SetOption("batch-options", "-q long")
	assert.Equal(t, "-q long", o.Option("batch-options"))

	// Empty value clears.
	o.SetOption("batch-options", "")
	assert.Equal(t, "", o.Option("batch-options"))

	o.SetOption("autosize", "yes")
	assert.True(t, o.optionIsYes("autosize"))
	o.SetOption("autosize", "off")
	assert.False(t, o.optionIsYes("autosize"))

	o.SetLogfile("wf.condorlog")
	assert.Equal(t, "wf.condorlog", o.Logfile())
}
