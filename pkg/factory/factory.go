package factory

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/batch"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultPeriod is the control-cycle interval.
const DefaultPeriod = 30 * time.Second

// directory is the slice of the directory-service client the factory
// consumes; satisfied by *catalog.Client.
type directory interface {
	QueryManagers(pattern *regexp.Regexp) ([]*types.ManagerStatus, error)
	SendUpdate(status any) error
	Address() string
}

// Factory is the worker-pool controller.
type Factory struct {
	name    string
	cfg     Config
	cfgPath string

	queue   batch.Queue
	catalog directory
	logger  zerolog.Logger

	Period time.Duration

	// ExitOnParentDeath makes the factory exit when its original parent
	// process disappears.
	ExitOnParentDeath bool

	parentPID int

	watcher  *fsnotify.Watcher
	cfgDirty atomic.Bool
	cfgMtime time.Time

	jobTable         map[types.JobID]bool
	workersSubmitted int

	lastManagerSeen time.Time
}

// New creates a factory over a validated initial configuration. cfgPath
// may be empty, in which case the configuration is fixed for the run.
func New(cfg Config, cfgPath string, q batch.Queue, cat directory) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Factory{
		name:            "factory-" + uuid.New().String()[:8],
		cfg:             cfg,
		cfgPath:         cfgPath,
		queue:           q,
		catalog:         cat,
		logger:          log.WithComponent("factory"),
		Period:          DefaultPeriod,
		parentPID:       os.Getppid(),
		jobTable:        make(map[types.JobID]bool),
		lastManagerSeen: time.Now(),
	}

	if cfgPath != "" {
		if st, err := os.Stat(cfgPath); err == nil {
			f.cfgMtime = st.ModTime()
		}
		if w, err := fsnotify.NewWatcher(); err == nil {
			if err := w.Add(cfgPath); err == nil {
				f.watcher = w
				go f.watchConfig()
			} else {
				w.Close()
			}
		}
	}
	return f, nil
}

// watchConfig marks the config dirty on any file event; the control loop
// re-reads it at the top of its next cycle.
func (f *Factory) watchConfig() {
	for ev := range f.watcher.Events {
		if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
			f.cfgDirty.Store(true)
		}
	}
}

// reloadConfig re-reads the config file when it changed; errors keep the
// previous values.
func (f *Factory) reloadConfig() {
	if f.cfgPath == "" {
		return
	}
	changed := f.cfgDirty.Swap(false)
	if st, err := os.Stat(f.cfgPath); err == nil && st.ModTime().After(f.cfgMtime) {
		changed = true
		f.cfgMtime = st.ModTime()
	}
	if !changed {
		return
	}
	cfg, err := LoadConfig(f.cfgPath)
	if err != nil {
		f.logger.Error().Err(err).Msg("Error re-reading config, using previous values")
		return
	}
	f.cfg = cfg
	f.logger.Info().Msg("Configuration reloaded")
}

// Run executes control cycles until the context ends, the factory times
// out with no managers, or the parent process dies.
func (f *Factory) Run(ctx context.Context) error {
	defer f.shutdown()

	for {
		if f.ExitOnParentDeath && os.Getppid() != f.parentPID {
			f.logger.Info().Msg("Parent process exited, shutting down")
			return nil
		}

		if err := f.cycle(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.Period):
		}
	}
}

// cycle performs one control iteration.
func (f *Factory) cycle() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.FactoryCycleDuration)
		metrics.FactoryCyclesTotal.Inc()
	}()

	f.reloadConfig()
	f.applyQueueOptions()

	managerPattern, err := regexp.Compile(f.cfg.ManagerName)
	if err != nil {
		return fmt.Errorf("manager-name pattern: %w", err)
	}

	managers, err := f.catalog.QueryManagers(managerPattern)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Directory query failed")
	}

	if len(managers) > 0 {
		f.lastManagerSeen = time.Now()
	} else if f.cfg.FactoryTimeout > 0 &&
		time.Since(f.lastManagerSeen) > time.Duration(f.cfg.FactoryTimeout)*time.Second {
		f.logger.Info().Msg("No managers seen within the factory timeout, exiting")
		return fmt.Errorf("no managers for longer than the factory timeout")
	}

	workersConnected := countWorkersConnected(managers)
	var workersNeeded int
	var foremen []*types.ManagerStatus

	if f.cfg.ForemenName != "" {
		// With foremen, managers contribute only tasks not yet running;
		// running tasks are counted by the foremen themselves.
		workersNeeded = countWorkersNeeded(managers, &f.cfg, true)

		foremenPattern, err := regexp.Compile(f.cfg.ForemenName)
		if err != nil {
			return fmt.Errorf("foremen-name pattern: %w", err)
		}
		foremen, err = f.catalog.QueryManagers(foremenPattern)
		if err != nil {
			f.logger.Warn().Err(err).Msg("Foremen query failed")
		}
		workersNeeded += countWorkersNeeded(foremen, &f.cfg, false)
		// Foremen themselves connect as workers but were not submitted by
		// this factory.
		workersConnected += maxInt(countWorkersConnected(foremen)-len(foremen), 0)
	} else {
		workersNeeded = countWorkersNeeded(managers, &f.cfg, false)
	}

	if workersNeeded > f.cfg.MaxWorkers {
		workersNeeded = f.cfg.MaxWorkers
	}
	if workersNeeded < f.cfg.MinWorkers {
		workersNeeded = f.cfg.MinWorkers
	}

	newWorkers := workersNeeded - f.workersSubmitted

	// waitingToConnect is reported as a status counter; when negative,
	// workers from other sources have connected and reduce what we owe.
	waitingToConnect := f.workersSubmitted - workersConnected
	if waitingToConnect < 0 {
		newWorkers -= -waitingToConnect
		waitingToConnect = 0
	}

	if f.cfg.WorkersPerCycle > 0 && newWorkers > f.cfg.WorkersPerCycle {
		newWorkers = f.cfg.WorkersPerCycle
	}
	if newWorkers < 0 {
		newWorkers = 0
	}

	f.logger.Info().
		Int("needed", workersNeeded).
		Int("submitted", f.workersSubmitted).
		Int("requested", newWorkers).
		Int("waiting_to_connect", waitingToConnect).
		Msg("Control cycle")

	f.publishStatus(managers, foremen, workersNeeded, newWorkers, waitingToConnect)
	f.updateBlockedHosts(managers)

	if newWorkers > 0 {
		f.workersSubmitted += f.submitWorkers(newWorkers)
	}
	f.reapWorkers()

	metrics.WorkersSubmitted.Set(float64(f.workersSubmitted))
	metrics.WorkersNeeded.Set(float64(workersNeeded))
	return nil
}

// applyQueueOptions pushes the per-cycle option set down to the queue.
func (f *Factory) applyQueueOptions() {
	if f.cfg.Autosize {
		f.queue.SetOption("autosize", "yes")
	} else {
		f.queue.SetOption("autosize", "")
	}
	f.queue.SetOption("condor-requirements", f.cfg.CondorRequirements)
	f.queue.SetOption("batch-options", f.cfg.BatchOptions)
}

// submissionRegex is the name pattern workers are told to serve.
func (f *Factory) submissionRegex() string {
	if f.cfg.ForemenName != "" {
		return f.cfg.ForemenName
	}
	return f.cfg.ManagerName
}

// workerResourceArgs renders the per-worker resource request as worker
// command-line flags. On condor with autosize the placement-time slot
// values are substituted instead, fitting the worker to the slot it lands
// on.
func (f *Factory) workerResourceArgs() string {
	var b strings.Builder
	res := f.cfg.resources()

	if f.queue.Type() == "condor" && f.cfg.Autosize {
		b.WriteString(" --cores=$$([TARGET.Cpus]) --memory=$$([TARGET.Memory]) --disk=$$([TARGET.Disk/1024])")
		if res.GPUs > 0 {
			b.WriteString(" --gpus=$$([TARGET.GPUs])")
		}
		return b.String()
	}

	if res.Cores > types.ResourceUnset {
		fmt.Fprintf(&b, " --cores=%d", res.Cores)
	}
	if res.MemoryMB > types.ResourceUnset {
		fmt.Fprintf(&b, " --memory=%d", res.MemoryMB)
	}
	if res.DiskMB > types.ResourceUnset {
		fmt.Fprintf(&b, " --disk=%d", res.DiskMB)
	}
	if res.GPUs > types.ResourceUnset {
		fmt.Fprintf(&b, " --gpus=%d", res.GPUs)
	}
	return b.String()
}

// submitWorker submits one worker job; returns its id or an error.
func (f *Factory) submitWorker() (types.JobID, error) {
	cmd := fmt.Sprintf("%s -M %s -t %d -C %s --from-factory %s%s %s",
		f.cfg.WorkerCommand,
		f.submissionRegex(),
		f.cfg.WorkerTimeout,
		f.catalog.Address(),
		f.name,
		f.workerResourceArgs(),
		f.cfg.WorkerExtraOptions)

	inputs := f.cfg.WorkerCommand
	f.logger.Debug().Str("cmd", cmd).Msg("Submitting worker")
	return f.queue.Submit(cmd, inputs, "", nil, f.cfg.resources())
}

// submitWorkers submits up to count workers, stopping at the first
// rejection, and returns how many went in.
func (f *Factory) submitWorkers(count int) int {
	submitted := 0
	for i := 0; i < count; i++ {
		id, err := f.submitWorker()
		if err != nil {
			f.logger.Warn().Err(err).Msg("Worker submission failed")
			break
		}
		f.jobTable[id] = true
		metrics.WorkersRequested.Inc()
		submitted++
	}
	return submitted
}

// reapWorkers collects exited worker jobs for up to five seconds.
func (f *Factory) reapWorkers() {
	deadline := time.Now().Add(5 * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		id, _, err := f.queue.Wait(remaining)
		if err != nil || id <= 0 {
			return
		}
		if f.jobTable[id] {
			delete(f.jobTable, id)
			f.workersSubmitted--
			f.logger.Debug().Int64("job_id", int64(id)).Msg("Worker job exited")
		}
		// Unknown ids may belong to a previous factory run; ignore them.
	}
}

// updateBlockedHosts pushes the union of the managers' blocklists to the
// queue so newly submitted workers avoid those hosts.
func (f *Factory) updateBlockedHosts(managers []*types.ManagerStatus) {
	var blocked []string
	for _, m := range managers {
		blocked = append(blocked, m.WorkersBlocked...)
	}
	blocked = lo.Uniq(blocked)
	f.queue.SetOption("workers-blocked", strings.Join(blocked, " "))
}

// publishStatus reports this factory's view back to the directory
// service. The directory is unreliable; failures are logged and the
// update retried next cycle.
func (f *Factory) publishStatus(managers, foremen []*types.ManagerStatus, needed, requested, toConnect int) {
	status := &types.FactoryStatus{
		Type:             "factory",
		FactoryName:      f.name,
		ProjectRegex:     f.cfg.ManagerName,
		SubmissionRegex:  f.submissionRegex(),
		MaxWorkers:       f.cfg.MaxWorkers,
		WorkersSubmitted: f.workersSubmitted,
		WorkersNeeded:    needed,
		WorkersRequested: requested,
		WorkersToConnect: toConnect,
		Managers:         summarize(managers),
		Foremen:          summarize(foremen),
	}
	if err := f.catalog.SendUpdate(status); err != nil {
		metrics.CatalogUpdateFailures.Inc()
		f.logger.Warn().Err(err).Msg("Status update failed")
	}
}

func summarize(managers []*types.ManagerStatus) []types.ManagerSummary {
	return lo.Map(managers, func(m *types.ManagerStatus, _ int) types.ManagerSummary {
		return types.ManagerSummary{
			Project:        m.Project,
			Name:           m.Name,
			Port:           m.Port,
			TasksWaiting:   m.TasksWaiting,
			TasksOnWorkers: m.TasksOnWorkers,
			TasksLeft:      m.TasksLeft,
			Workers:        m.Workers,
		}
	})
}

// shutdown removes every outstanding worker job.
func (f *Factory) shutdown() {
	if f.watcher != nil {
		f.watcher.Close()
	}
	f.logger.Info().Int("workers", len(f.jobTable)).Msg("Removing remaining worker jobs")
	for id := range f.jobTable {
		f.queue.Remove(id)
	}
}
