// Package cluster implements the Cluster Supervisor (spec §4.6): a parent
// process that forks one worker process per configured replica, holds an
// encrypted IPC session to each, restarts workers that crash under an
// exponential-backoff policy, and fans out administrative commands
// (drain, reload, broadcast) across the fleet.
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"xypriss/pkg/apperror"
	"xypriss/pkg/cluster/ipc"
	"xypriss/pkg/config"
	"xypriss/pkg/events"
	"xypriss/pkg/logger"
	"xypriss/pkg/metrics"
)

// resolveWorkerCount turns the cluster.workers config value ("auto" or an
// integer string) into a concrete worker count.
func resolveWorkerCount(raw string) (int, error) {
	if strings.EqualFold(strings.TrimSpace(raw), "auto") {
		return runtime.NumCPU(), nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, apperror.New(apperror.CodeInvalidConfig, fmt.Sprintf("invalid cluster.workers value %q", raw))
	}
	return n, nil
}

// SpawnFunc starts one worker process and returns control of it to the
// supervisor. Production callers pass a function that execs the running
// binary with a worker-mode flag; tests substitute an in-process fake.
type SpawnFunc func(ctx context.Context, id uint32) (*worker, error)

// Supervisor owns the worker fleet and its restart policy.
type Supervisor struct {
	cfg   config.ClusterConfig
	spawn SpawnFunc
	bus   *events.Bus

	mu      sync.RWMutex
	workers map[uint32]*worker
	nextID  uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor around spawn, which is responsible for starting
// each worker process (production callers use ExecSpawner, which closes
// over the shared cluster secret used to derive every worker's IPC
// session key — it must come from configuration or the environment,
// never be hardcoded).
func New(cfg config.ClusterConfig, bus *events.Bus, spawn SpawnFunc) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		spawn:   spawn,
		bus:     bus,
		workers: make(map[uint32]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches cfg.Workers child processes and begins supervising them.
func (s *Supervisor) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	count, err := resolveWorkerCount(s.cfg.Workers)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if err := s.launch(); err != nil {
			return err
		}
	}
	s.wg.Add(1)
	go s.monitorLoop()
	return nil
}

func (s *Supervisor) launch() error {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	w, err := s.spawn(s.ctx, id)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeWorkerCrashed, fmt.Sprintf("failed to spawn worker %d", id))
	}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go s.superviseOne(w)

	logger.WithWorkerID(int(id)).Info("worker started", "pid", w.cmd.Process.Pid)
	return nil
}

// superviseOne runs the read loop for one worker and reacts to its exit:
// a crash before the restart-window limit triggers a backed-off restart;
// exceeding MaxRestarts within a rolling RestartWindow parks the slot
// instead. The restart count decays: a crash that follows the previous one
// by more than RestartWindow resets the counter first, so a worker that has
// been healthy for a long stretch is not permanently parked by crashes from
// weeks ago (spec §4.6, "within a rolling window").
func (s *Supervisor) superviseOne(w *worker) {
	defer s.wg.Done()

	w.readLoop(s.ctx, s.handleFrame)

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	state := w.getState()
	if state == WorkerDraining {
		return
	}

	w.mu.Lock()
	exitErr := w.exitErr
	w.mu.Unlock()
	logger.WithWorkerID(int(w.id)).Warn("worker exited unexpectedly", "error", fmt.Sprint(exitErr))
	s.bus.Publish(events.New(events.TypeWorkerCrashed, "cluster.supervisor", events.WorkerPayload{WorkerID: int(w.id), Reason: fmt.Sprint(exitErr)}))

	if s.cfg.Restart.MaxRestarts == 0 {
		return
	}

	now := time.Now()
	s.mu.Lock()
	if window := s.cfg.Restart.RestartWindow; window > 0 && !w.lastCrashAt.IsZero() && now.Sub(w.lastCrashAt) > window {
		w.restarts = 0
	}
	w.lastCrashAt = now
	w.restarts++
	restarts := w.restarts
	lastCrashAt := w.lastCrashAt
	id := w.id
	s.mu.Unlock()

	if restarts > s.cfg.Restart.MaxRestarts {
		w.setState(WorkerParked)
		logger.WithWorkerID(int(id)).Warn("worker parked after exceeding restart budget", "restarts", restarts)
		metrics.Get().RecordWorkerRestart("restart_budget_exceeded")
		s.bus.Publish(events.New(events.TypeWorkerParked, "cluster.supervisor", events.WorkerPayload{WorkerID: int(id)}))
		return
	}

	backoff := restartBackoff(s.cfg.Restart.BaseBackoff, s.cfg.Restart.MaxBackoff, restarts)
	logger.WithWorkerID(int(id)).Info("restarting worker", "attempt", restarts, "backoff", backoff)
	metrics.Get().RecordWorkerRestart("crash")

	select {
	case <-time.After(backoff):
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()

	if err := s.respawn(id, restarts, lastCrashAt); err != nil {
		logger.WithWorkerID(int(id)).Error("failed to restart worker", "error", err.Error())
	}
}

func (s *Supervisor) respawn(id uint32, restarts int, lastCrashAt time.Time) error {
	w, err := s.spawn(s.ctx, id)
	if err != nil {
		return err
	}
	w.restarts = restarts
	w.lastCrashAt = lastCrashAt
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go s.superviseOne(w)
	return nil
}

// restartBackoff computes exponential backoff capped at max, then adds up to
// 25% jitter on top of the capped delay, so the result can exceed max by up
// to a quarter.
func restartBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base * time.Duration(1<<uint(min(attempt-1, 20)))
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d + jitter
}

// handleFrame dispatches a decoded envelope from any worker to the
// appropriate bookkeeping, per spec §4.6's message type list.
func (s *Supervisor) handleFrame(w *worker, env *Envelope) {
	switch env.Type {
	case ipc.TypeReady:
		w.setState(WorkerReady)
		w.touchHeartbeat()
		pid := 0
		if w.cmd.Process != nil {
			pid = w.cmd.Process.Pid
		}
		s.bus.Publish(events.New(events.TypeWorkerReady, "cluster.supervisor", events.WorkerPayload{WorkerID: int(w.id), PID: pid}))
	case ipc.TypeHeartbeat:
		w.touchHeartbeat()
	case ipc.TypeStats:
		w.touchHeartbeat()
	default:
		logger.Log.Debug("unhandled ipc frame from worker", "workerId", w.id, "type", env.Type.String())
	}
}

// monitorLoop periodically checks every worker's heartbeat age against
// the configured miss threshold and force-kills any worker judged dead.
func (s *Supervisor) monitorLoop() {
	defer s.wg.Done()
	interval := s.cfg.Heartbeat.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkHeartbeats(interval)
		}
	}
}

func (s *Supervisor) checkHeartbeats(interval time.Duration) {
	missed := s.cfg.Heartbeat.MissedThreshold
	if missed <= 0 {
		missed = 3
	}
	deadline := interval * time.Duration(missed)

	s.mu.RLock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	for _, w := range workers {
		if w.getState() != WorkerReady {
			continue
		}
		if age := w.heartbeatAge(); age > 0 && age > deadline {
			logger.Log.Warn("worker missed heartbeat deadline, force-killing", "workerId", w.id, "age", age)
			_ = w.forceKill()
		}
	}
}

// Broadcast fans out an administrative WORK_BROADCAST command to every
// live worker. It is never used to route HTTP request traffic (spec
// §4.6) — only for operational commands like cache-flush or log-rotate.
func (s *Supervisor) Broadcast(command string, args []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	for _, w := range s.workers {
		if w.getState() != WorkerReady {
			continue
		}
		f, err := EncodeMessage(w.session, ipc.TypeWorkBroadcast, WorkBroadcastPayload{Command: command, Args: args}, time.Now())
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := w.writeFrame(f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reload triggers a hot-reload of configuration/routes on every worker
// without a process restart, per the RELOAD path (spec EXP-7).
func (s *Supervisor) Reload(configPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	for _, w := range s.workers {
		if err := w.signalReload(configPath); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats aggregates per-worker state for the supervisor-facing /stats view.
type Stats struct {
	Workers []WorkerStats
}

// WorkerStats summarizes one worker's live state.
type WorkerStats struct {
	ID            uint32
	State         string
	Restarts      int
	Pid           int
	ActiveConns   int64
	TotalRequests uint64
}

// Stats snapshots every worker's current state.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Stats{Workers: make([]WorkerStats, 0, len(s.workers))}
	for _, w := range s.workers {
		pid := 0
		if w.cmd.Process != nil {
			pid = w.cmd.Process.Pid
		}
		out.Workers = append(out.Workers, WorkerStats{
			ID:            w.id,
			State:         w.getState().String(),
			Restarts:      w.restarts,
			Pid:           pid,
			ActiveConns:   w.activeConns.Load(),
			TotalRequests: w.totalRequests.Load(),
		})
	}
	return out
}

// Drain signals every worker to stop accepting new connections and exit
// once in-flight work completes within graceSeconds.
func (s *Supervisor) Drain(graceSeconds int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	for _, w := range s.workers {
		if err := w.signalDrain(graceSeconds); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown signals every worker to stop, waits for them to exit (or the
// context to be cancelled), and stops the monitor loop.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()

	for _, w := range workers {
		_ = w.signalShutdown()
	}

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.exited
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		for _, w := range workers {
			_ = w.forceKill()
		}
	}

	s.cancel()
	s.wg.Wait()
	return nil
}
