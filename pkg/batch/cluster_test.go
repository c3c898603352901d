package batch

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClusterQueue(t *testing.T) *clusterQueue {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	return &clusterQueue{
		cfg:    clusterConfigs["slurm"],
		logger: log.WithBackend("slurm"),
		jobs:   make(map[types.JobID]*clusterJob),
	}
}

func TestParseSubmitOutput(t *testing.T) {
	tests := []struct {
		name string
		out  string
		id   types.JobID
		ok   bool
	}{
		{"sge", "Your job 12345 (\"burrow0\") has been submitted\n", 12345, true},
		{"slurm", "Submitted batch job 777\n", 777, true},
		{"lsf", "Job <4242> is submitted to default queue <normal>.\n", 4242, true},
		{"bare number", "31337\n", 31337, true},
		{"leading blank line", "\n31337\n", 31337, true},
		{"garbage", "qsub: error: no slots\n", 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := parseSubmitOutput(tt.out)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestClusterResourceFlags(t *testing.T) {
	q := testClusterQueue(t)

	res := types.NewResources()
	res.Cores = 8
	res.MemoryMB = 4096
	res.WallTimeSecs = 90

	flags, err := q.resourceFlags(res)
	require.NoError(t, err)
	assert.Contains(t, flags, "--mem=4096M")
	assert.Contains(t, flags, "--time=2") // rounded up to minutes
	assert.Contains(t, flags, "-c 8")
}

func TestClusterResourceFlagsMPIMismatch(t *testing.T) {
	q := testClusterQueue(t)

	res := types.NewResources()
	res.Cores = 10
	res.MPIProcesses = 3

	_, err := q.resourceFlags(res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MPI")
}

func TestClusterResourceFlagsMPISplit(t *testing.T) {
	q := testClusterQueue(t)

	res := types.NewResources()
	res.Cores = 12
	res.MPIProcesses = 4

	flags, err := q.resourceFlags(res)
	require.NoError(t, err)
	assert.Contains(t, flags, "-n 4 -c 3")
}

func TestClusterWrapperScript(t *testing.T) {
	q := testClusterQueue(t)
	require.NoError(t, q.writeWrapper())

	data, err := os.ReadFile("slurm.wrapper")
	require.NoError(t, err)
	script := string(data)

	assert.Contains(t, script, "#!/bin/sh")
	assert.Contains(t, script, "SLURM_JOB_ID")
	assert.Contains(t, script, "echo start $starttime > $logfile")
	assert.Contains(t, script, "echo alive $(date +%s) >> $logfile")
	assert.Contains(t, script, `eval "$BATCH_JOB_COMMAND"`)
	assert.Contains(t, script, "echo stop $status $stoptime >> $logfile")

	st, err := os.Stat("slurm.wrapper")
	require.NoError(t, err)
	assert.NotZero(t, st.Mode()&0111)
}

func TestClusterStatusPolling(t *testing.T) {
	q := testClusterQueue(t)

	now := time.Now()
	q.jobs[55] = &clusterJob{info: &types.JobInfo{Submitted: now}, heartbeat: now}

	statusfile := "slurm.status.55"
	start := now.Unix()
	require.NoError(t, os.WriteFile(statusfile,
		[]byte(fmt.Sprintf("start %d\nalive %d\n", start, start+30)), 0644))

	// Still running: nothing to report.
	id, _ := q.pollOnce()
	assert.Zero(t, id)
	assert.Equal(t, time.Unix(start+30, 0), q.jobs[55].heartbeat)

	// Stop marker promotes the job.
	f, err := os.OpenFile(statusfile, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	fmt.Fprintf(f, "stop 3 %d\n", start+60)
	f.Close()

	id, info := q.pollOnce()
	assert.Equal(t, types.JobID(55), id)
	require.NotNil(t, info)
	assert.True(t, info.ExitedNormally)
	assert.Equal(t, 3, info.ExitCode)
	assert.False(t, info.HeartbeatLost)
	assert.Empty(t, q.jobs)

	// The status file is consumed with the job.
	_, err = os.Stat(statusfile)
	assert.True(t, os.IsNotExist(err))
}

func TestClusterHeartbeatLoss(t *testing.T) {
	q := testClusterQueue(t)

	// Last heartbeat far beyond the tolerated silence.
	stale := time.Now().Add(-heartbeatMax - time.Minute)
	q.jobs[56] = &clusterJob{info: &types.JobInfo{Submitted: stale}, heartbeat: stale}

	require.NoError(t, os.WriteFile("slurm.status.56",
		[]byte(fmt.Sprintf("start %d\n", stale.Unix())), 0644))

	id, info := q.pollOnce()
	assert.Equal(t, types.JobID(56), id)
	require.NotNil(t, info)
	assert.False(t, info.ExitedNormally)
	assert.True(t, info.HeartbeatLost)
	assert.Equal(t, 1, info.ExitSignal)
}

func TestClusterRemoveMarksJobFinished(t *testing.T) {
	q := testClusterQueue(t)
	// A remove command that always succeeds keeps the test hermetic.
	q.cfg.removeCmd = "true"

	now := time.Now()
	q.jobs[57] = &clusterJob{info: &types.JobInfo{Submitted: now}, heartbeat: now}
	require.NoError(t, os.WriteFile("slurm.status.57", []byte(""), 0644))

	assert.True(t, q.Remove(57))
	assert.False(t, q.Remove(999))

	id, info := q.pollOnce()
	assert.Equal(t, types.JobID(57), id)
	assert.False(t, info.ExitedNormally)
	assert.Equal(t, 1, info.ExitSignal)
}

func TestGenericClusterNeedsEnvironment(t *testing.T) {
	t.Setenv("BATCH_QUEUE_CLUSTER_NAME", "")
	_, err := newGenericClusterQueue()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_QUEUE_CLUSTER_NAME")
}
