// Command geminictl is a thin smoke-test harness for the bridge core,
// built the way the teacher's cmd/pulse/main.go builds its command
// tree. It is NOT the host integration layer: no enable/disable/eject,
// no config persistence, no MCP tool exposure — just enough surface to
// drive an analysis from a terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cassmtnr/gemini-bridge/geminicli"
	"github.com/cassmtnr/gemini-bridge/geminicli/cache"
	"github.com/cassmtnr/gemini-bridge/geminicli/config"
	"github.com/cassmtnr/gemini-bridge/geminicli/locator"
	"github.com/cassmtnr/gemini-bridge/geminicli/ratelimit"
	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

// Version is set at build time with -ldflags, matching the teacher.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "geminictl",
	Short:   "Smoke-test harness for the gemini bridge core",
	Version: Version,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(analyzeCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print installed/authenticated/quota status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, c := newAnalyzer()
		defer c.Close()
		return printJSON(a.GetStatus())
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <type> <path>...",
	Short: "Run one analysis and print the structured result",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, c := newAnalyzer()
		defer c.Close()

		req := types.AnalysisRequest{
			Type:   types.AnalysisType(args[0]),
			Target: args[1:],
		}
		result := a.Analyze(context.Background(), req)
		return printJSON(result)
	},
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newAnalyzer() (*geminicli.Analyzer, *cache.Cache) {
	cfg := config.Default()
	cfg.Enabled = true

	loc := locator.New()
	limiter := ratelimit.New(cfg.RateLimit)
	c := cache.New(cfg.Cache)
	if err := c.Initialize(); err != nil {
		log.Warn().Err(err).Msg("geminictl: cache initialize failed, continuing without persisted entries")
	}

	return geminicli.New(cfg, loc, limiter, c), c
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
