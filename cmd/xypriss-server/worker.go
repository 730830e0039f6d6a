package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"xypriss/pkg/cluster"
	"xypriss/pkg/cluster/ipc"
	"xypriss/pkg/events"
	"xypriss/pkg/logger"
	"xypriss/pkg/server"
)

// ipcFDIn and ipcFDOut are the file descriptors the supervisor wires up
// via exec.Cmd.ExtraFiles in pkg/cluster/worker.go (spawnWorker): fd 3
// carries parent->child frames, fd 4 carries child->parent frames.
const (
	ipcFDIn  = 3
	ipcFDOut = 4
)

// workerCmd is hidden: it is never invoked directly by an operator, only
// re-exec'd by the Cluster Supervisor's ExecSpawner with --worker-id set.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Internal: run one cluster worker process",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		workerIDStr, _ := cmd.Flags().GetString("worker-id")
		workerID64, err := strconv.ParseUint(workerIDStr, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid --worker-id %q: %w", workerIDStr, err)
		}
		workerID := uint32(workerID64)

		secret := os.Getenv("XYPRISS_CLUSTER_SECRET")
		if secret == "" {
			return fmt.Errorf("worker mode requires XYPRISS_CLUSTER_SECRET in the environment")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		// This process *is* one of the cluster's workers; it must never
		// spawn its own sub-fleet.
		cfg.Cluster.Enabled = false

		pipe := &fdPipe{
			r: os.NewFile(ipcFDIn, "xypriss-ipc-in"),
			w: os.NewFile(ipcFDOut, "xypriss-ipc-out"),
		}
		session, err := ipc.ClientHandshake(pipe, []byte(secret), workerID)
		if err != nil {
			return fmt.Errorf("ipc handshake failed: %w", err)
		}

		srv, err := server.New(cfg, server.WithRoutes(registerDefaultRoutes))
		if err != nil {
			return fmt.Errorf("failed to build worker server: %w", err)
		}
		if err := srv.InitSideChannels(); err != nil {
			return fmt.Errorf("failed to init side channels: %w", err)
		}
		errCh, err := srv.Serve()
		if err != nil {
			return fmt.Errorf("worker %d failed to bind listener: %w", workerID, err)
		}

		logger.Log.Info("worker process ready", "workerId", workerID, "pid", os.Getpid(), "port", srv.BoundPort())
		send(pipe, session, ipc.TypeReady, cluster.ReadyPayload{WorkerID: workerID, Port: srv.BoundPort()})

		return runWorkerLoop(cmd.Context(), srv, pipe, session, workerID, errCh)
	},
}

func init() {
	workerCmd.Flags().String("worker-id", "0", "cluster-assigned worker slot id (set by the supervisor)")
}

// fdPipe adapts the pair of inherited control-plane file descriptors into
// the io.ReadWriter the IPC handshake and frame codec expect.
type fdPipe struct {
	r *os.File
	w *os.File
}

func (p *fdPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fdPipe) Write(b []byte) (int, error) { return p.w.Write(b) }

func send(pipe io.Writer, session *ipc.Session, typ ipc.MessageType, payload any) {
	frame, err := cluster.EncodeMessage(session, typ, payload, time.Now())
	if err != nil {
		logger.Log.Warn("failed to encode outgoing ipc frame", "type", typ.String(), "error", err.Error())
		return
	}
	if err := cluster.WriteFrame(pipe, frame); err != nil {
		logger.Log.Warn("failed to write ipc frame", "type", typ.String(), "error", err.Error())
	}
}

// runWorkerLoop sends periodic HEARTBEAT frames, reads control frames
// from the supervisor (DRAIN, SHUTDOWN, RELOAD, WORK_BROADCAST), and
// drives this worker's graceful shutdown, mirroring the parent-side
// message type list of spec §4.6.
func runWorkerLoop(ctx context.Context, srv *server.Server, pipe *fdPipe, session *ipc.Session, workerID uint32, errCh chan error) error {
	started := time.Now()
	heartbeat := time.NewTicker(2 * time.Second)
	defer heartbeat.Stop()

	frames := make(chan *ipc.Frame)
	readErrs := make(chan error, 1)
	go func() {
		for {
			f, err := cluster.ReadFrame(pipe.r)
			if err != nil {
				readErrs <- err
				return
			}
			frames <- f
		}
	}()

	for {
		select {
		case <-heartbeat.C:
			send(pipe, session, ipc.TypeHeartbeat, cluster.HeartbeatPayload{
				WorkerID:      workerID,
				Pid:           os.Getpid(),
				UptimeSeconds: int64(time.Since(started).Seconds()),
			})

		case f := <-frames:
			env, err := cluster.DecodeMessage(session, f)
			if err != nil {
				logger.Log.Warn("worker rejected ipc frame", "workerId", workerID, "error", err.Error())
				continue
			}
			if shouldExit := handleEnvelope(srv, env, workerID); shouldExit {
				return nil
			}

		case err := <-readErrs:
			if err == io.EOF {
				logger.Log.Info("supervisor pipe closed, shutting down", "workerId", workerID)
			} else {
				logger.Log.Warn("worker ipc read failed, shutting down", "workerId", workerID, "error", err.Error())
			}
			_ = srv.Shutdown()
			return nil

		case err := <-errCh:
			logger.Log.Error("worker http server failed", "workerId", workerID, "error", err.Error())
			return err

		case <-ctx.Done():
			_ = srv.Shutdown()
			return ctx.Err()
		}
	}
}

// handleEnvelope dispatches one decoded control message and reports
// whether the worker process should now exit.
func handleEnvelope(srv *server.Server, env *cluster.Envelope, workerID uint32) bool {
	switch env.Type {
	case ipc.TypeDrain:
		var payload cluster.DrainPayload
		_ = json.Unmarshal(env.Raw, &payload)
		logger.Log.Info("worker draining", "workerId", workerID, "graceSeconds", payload.GraceSeconds)
		_ = srv.Shutdown()
		return true

	case ipc.TypeShutdown:
		logger.Log.Info("worker shutting down on supervisor request", "workerId", workerID)
		_ = srv.Shutdown()
		return true

	case ipc.TypeReload:
		var payload cluster.ReloadPayload
		_ = json.Unmarshal(env.Raw, &payload)
		if err := srv.Reload(); err != nil {
			logger.Log.Warn("worker reload failed", "workerId", workerID, "error", err.Error())
		}
		return false

	case ipc.TypeWorkBroadcast:
		var payload cluster.WorkBroadcastPayload
		_ = json.Unmarshal(env.Raw, &payload)
		logger.Log.Info("worker received admin broadcast", "workerId", workerID, "command", payload.Command)
		srv.Bus.Publish(events.New(events.TypeAdminBroadcast, "cluster.worker", events.AdminBroadcastPayload{
			Command: payload.Command,
			Args:    payload.Args,
		}))
		return false

	default:
		logger.Log.Debug("worker received unhandled ipc frame", "workerId", workerID, "type", env.Type.String())
		return false
	}
}
