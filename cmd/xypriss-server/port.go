package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"xypriss/pkg/apperror"
	"xypriss/pkg/portarbiter"
)

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Inspect and manage listening ports",
}

var portForceCloseCmd = &cobra.Command{
	Use:   "force-close",
	Short: "Force-close whatever process owns a port",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if port <= 0 || port > 65535 {
			fmt.Fprintln(os.Stderr, "invalid --port")
			os.Exit(1)
		}

		freed, err := portarbiter.ForceClose(port)
		if err != nil {
			var appErr *apperror.Error
			if errors.As(err, &appErr) && appErr.Code == apperror.CodePermissionDenied {
				fmt.Fprintf(os.Stderr, "port %d is held by a protected process: %v\n", port, err)
				os.Exit(2)
			}
			fmt.Fprintf(os.Stderr, "failed to force-close port %d: %v\n", port, err)
			os.Exit(1)
		}

		if freed {
			fmt.Printf("port %d freed\n", port)
		} else {
			fmt.Printf("port %d had no owner\n", port)
		}
		return nil
	},
}

func init() {
	portCmd.AddCommand(portForceCloseCmd)
	portForceCloseCmd.Flags().Int("port", 0, "port to force-close (required)")
	portForceCloseCmd.MarkFlagRequired("port")
}
