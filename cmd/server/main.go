// Package main is the entry point for the slot claims server.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

var (
	configPath string
	addrFlag   string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:           "slot-claims",
	Short:         "Optimistic claim server for limited-availability resources",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE:  runServe,
}

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Probe a running server's health endpoint and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runHealthCheck(cfg.Server.Addr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SLOTCLAIMS_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "HTTP server address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Data directory for the SQLite ledger (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCheckCmd)
}

func main() {
	// Allow overriding version via environment (e.g., injected by container build/runtime)
	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
		rootCmd.Version = envVer
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + host + "/api/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}
