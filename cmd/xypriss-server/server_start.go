package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"xypriss/pkg/logger"
	"xypriss/pkg/middleware"
	"xypriss/pkg/router"
	"xypriss/pkg/server"
)

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the XyPriss server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}
		if host, _ := cmd.Flags().GetString("host"); cmd.Flags().Changed("host") {
			cfg.Server.Host = host
		}
		if workers, _ := cmd.Flags().GetInt("workers"); cmd.Flags().Changed("workers") {
			cfg.Cluster.Enabled = workers > 0
			cfg.Cluster.Workers = strconv.Itoa(workers)
		}

		srv, err := server.New(cfg, server.WithRoutes(registerDefaultRoutes))
		if err != nil {
			return fmt.Errorf("failed to build server: %w", err)
		}

		pidPath, _ := cmd.Flags().GetString("pid-file")
		if err := writePIDFile(pidPath); err != nil {
			logger.Log.Warn("failed to write pid file", "path", pidPath, "error", err.Error())
		} else {
			defer removePIDFile(pidPath)
		}

		if err := srv.Run(); err != nil {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	},
}

func init() {
	serverStartCmd.Flags().Int("port", 0, "listen port (overrides config)")
	serverStartCmd.Flags().String("host", "", "listen host (overrides config)")
	serverStartCmd.Flags().Int("workers", 0, "number of cluster worker processes; 0 disables clustering")
	serverStartCmd.Flags().String("pid-file", defaultPIDPath, "path to write the running process's pid")
}

// registerDefaultRoutes installs the example application surface used to
// exercise the Router and Middleware Chain end to end; a host embedding
// the Server Core as a library supplies its own registrar via
// server.WithRoutes instead.
func registerDefaultRoutes(s *server.Server) error {
	if err := s.Handle(http.MethodGet, "/", func(ctx *middleware.Context) error {
		return writeJSON(ctx, http.StatusOK, map[string]string{"service": "xypriss"})
	}); err != nil {
		return err
	}

	if err := s.Handle(http.MethodGet, "/echo/:name", func(ctx *middleware.Context) error {
		return writeJSON(ctx, http.StatusOK, map[string]string{"name": ctx.Param("name")})
	}); err != nil {
		return err
	}

	api := router.New()
	if err := api.Handle(http.MethodGet, "/status", func(ctx *middleware.Context) error {
		return writeJSON(ctx, http.StatusOK, map[string]string{"status": "ok"})
	}); err != nil {
		return err
	}
	return s.Mount("/api", api)
}

func writeJSON(ctx *middleware.Context, status int, body any) error {
	ctx.Writer.Header().Set("Content-Type", "application/json")
	ctx.Writer.WriteHeader(status)
	ctx.MarkResponseStarted()
	return json.NewEncoder(ctx.Writer).Encode(body)
}

const defaultPIDPath = "xypriss-server.pid"

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
