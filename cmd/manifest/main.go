// Command manifest turns a natural-language feature request into applied
// code: parse, compile a behavioral spec, generate candidates in parallel,
// verify in isolation, rank, and present survivors for human judgment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lprior-repo/manifest/internal/config"
	"github.com/lprior-repo/manifest/internal/engine"
	"github.com/lprior-repo/manifest/internal/gateway"
	"github.com/lprior-repo/manifest/internal/logging"
	"github.com/lprior-repo/manifest/internal/store"
)

var (
	dataDir    string
	projectDir string
	sessionID  string
	simulate   bool
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Turn a feature request into verified, applied code",
	Long: `manifest runs a feature request through a full pipeline: intent parsing,
spec compilation, parallel candidate generation, isolated verification,
ranking, and human judgment. Accepted changes are applied atomically to
the project.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "data directory (store, logs, workspaces)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory to read and apply changes to")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "default", "session grouping related intents")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use the simulated AI backend (no network, no spend)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, statusCmd, abortCmd, historyCmd)
}

func defaultDataDir() string {
	if v := os.Getenv("MANIFEST_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".manifest"
	}
	return filepath.Join(home, ".manifest")
}

// app bundles everything a subcommand needs. close() must run before exit.
type app struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	client *gateway.Client
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func setup(judge engine.Judge) (*app, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	backend, err := pickBackend()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	client := gateway.New(backend, gateway.Options{
		CostCeilingUSD: cfg.AI.CostCeilingUSD,
		CallTimeout:    cfg.AICallTimeout(),
		Concurrency:    cfg.AI.Concurrency,
		RetryBudget:    *cfg.AI.RetryBudget,
		Cooldown:       cfg.AICooldown(),
	}, logger)

	project, err := filepath.Abs(projectDir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	eng, err := engine.New(cfg, st, client, judge, project, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: st, engine: eng, client: client}, nil
}

func pickBackend() (gateway.Backend, error) {
	if simulate {
		return gateway.NewSimulatedBackend(0), nil
	}
	apiKey := os.Getenv("MANIFEST_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("MANIFEST_API_KEY is not set (or pass --simulate)")
	}
	baseURL := os.Getenv("MANIFEST_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := os.Getenv("MANIFEST_MODEL")
	if model == "" {
		return nil, fmt.Errorf("MANIFEST_MODEL is not set")
	}
	return gateway.NewHTTPBackend(gateway.HTTPConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   model,
	}), nil
}

// signalContext cancels on SIGINT/SIGTERM so in-flight phases stop at the
// next suspension point and the intent stays resumable.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
