package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/straja-ai/mia/internal/attack"
	"github.com/straja-ai/mia/internal/config"
)

var (
	configPath string
	outputDir  string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mia",
	Short: "Membership inference attacks against language models",
	Long: `mia scores member and non-member text samples against a target language
model with a configurable set of membership inference attacks and writes one
aggregate score per document and attack.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Score the configured datasets and write predictions",
	RunE:  runExperiment,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file and print the attacks that will run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: target=%s aggregation=%s\n", cfg.TargetModel, cfg.Aggregation)
		for _, name := range cfg.BlackboxAttacks {
			k, ok := attack.ParseKind(name)
			if !ok || !k.Implemented() {
				fmt.Fprintf(out, "  %-10s not implemented, will be ignored\n", name)
			}
		}
		for _, k := range attack.Runnable(cfg.BlackboxAttacks) {
			fmt.Fprintf(out, "  %-10s will run\n", k)
		}
		return nil
	},
}

var attacksCmd = &cobra.Command{
	Use:   "attacks",
	Short: "List known attacks",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		for _, k := range attack.Kinds() {
			status := "implemented"
			if !k.Implemented() {
				status = "not implemented"
			}
			fmt.Fprintf(out, "%-10s %s\n", k, status)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mia.yaml", "path to the experiment config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (overrides output_dir)")

	rootCmd.AddCommand(runCmd, validateCmd, attacksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile loads the nearest .env from the working directory or up to
// five of its parents.
func loadEnvFile() error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return godotenv.Load(envPath)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}
