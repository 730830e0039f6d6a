// Command xypriss-server is the process entrypoint for the XyPriss
// Server Core: it implements the `server start|stop` and `port
// force-close` CLI surface from spec §6, and re-execs itself in a
// hidden `worker` mode when the Cluster Supervisor spawns child
// processes (pkg/cluster.ExecSpawner).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"xypriss/pkg/config"
	"xypriss/pkg/logger"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xypriss-server",
	Short: "XyPriss clustered HTTP application server",
	Long: `xypriss-server runs the XyPriss Server Core: a clustered HTTP
front-end with routing, middleware, a tag/TTL response cache, a CPU/IO
worker pool, and a request pre-compiler that learns hot routes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("xypriss-server version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("config", "", "path to config.yaml (overrides XYPRISS_CONFIG_PATH search)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(portCmd)
	rootCmd.AddCommand(workerCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the XyPriss server process",
}

func init() {
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStopCmd)
}

// loadConfig loads the layered configuration (defaults < file < env),
// honoring --config if it was set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var opts []config.LoaderOption
	if path != "" {
		opts = append(opts, config.WithConfigPaths(path))
	}
	cfg, err := config.NewLoader(opts...).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	return cfg, nil
}
