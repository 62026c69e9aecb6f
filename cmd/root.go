package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/config"
)

var (
	cfg *config.Config

	// registryFiles are extra registry documents layered over the embedded one.
	registryFiles []string
	// logLevel overrides log.level for one invocation.
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "report-pipeline",
	Short: "Idempotent clinical report pipeline",
	Long:  "Turns completed health assessments into reviewed, rendered and delivered reports: risk, ranking, content, validation, safety, render and delivery stages over a versioned artifact store.",
	PersistentPreRunE: func(*cobra.Command, []string) error {
		loaded, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := config.InitLogger(loaded.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&registryFiles, "registry", nil, "extra prompt/rule/template registry YAML files")
	flags.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
