/*
main.go - Application entry point

PURPOSE:
  Command line front end of the gloss-prevention engine. Loads configuration
  and the rule catalog, then corrects documents, checks the catalog, or
  serves the HTTP API.

COMMANDS:
  glosa apply [paths...]   Correct files or directories (.xml, .051, .zip)
  glosa check              Load the catalog and print diagnostics
  glosa serve              Start the HTTP API

CONFIGURATION:
  --config points at a YAML/JSON/TOML file. Every key can be overridden with
  a GLOSA_ environment variable (GLOSA_CATALOG_DIR, GLOSA_LOG_LEVEL, ...).
  Command flags override both.

EXAMPLES:
  glosa apply --out corrigidos lote/
  glosa apply --in-place N0001.051
  GLOSA_TRACKING_DB_PATH=glosa.db glosa serve --port 9000

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/glosa-engine/config"
	"github.com/warp/glosa-engine/logging"
)

var (
	// Global flags
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "glosa",
	Short: "Declarative rule engine that corrects PTU billing files before submission",
	Long: `glosa applies a catalog of declarative rules to PTU billing XML, fixing
defects the insurer would otherwise gloss, and records every correction for
ROI tracking. Corrected files are written ISO-8859-1 with a recomputed hash.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and GLOSA_* env when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(newApplyCmd(), newCheckCmd(), newServeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
