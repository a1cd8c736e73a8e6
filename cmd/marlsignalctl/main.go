package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"marlsignal/internal/config"
	"marlsignal/internal/metrics"
	"marlsignal/internal/stats"
	api "marlsignal/pkg/marlsignal"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "backtest":
		return runBacktest(ctx, args[1:])
	case "predict":
		return runPredict(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// commonFlags are shared by every command that opens an engine.
type commonFlags struct {
	configPath string
	store      string
	dbPath     string
	metricsOut string
	jsonOut    bool
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "YAML config file; built-in defaults when empty")
	fs.StringVar(&c.store, "store", "", "store backend override: memory|sqlite")
	fs.StringVar(&c.dbPath, "db-path", "", "sqlite database path override")
	fs.StringVar(&c.metricsOut, "metrics-out", "", "write Prometheus metrics in text format to this file on exit")
	fs.BoolVar(&c.jsonOut, "json", false, "emit JSON instead of key=value lines")
	return c
}

// withClient opens a client for the command and flushes metrics once fn
// returns.
func withClient(ctx context.Context, c *commonFlags, fn func(*api.Client) error) (err error) {
	reg := prometheus.NewRegistry()
	client, err := api.Open(ctx, api.Options{
		ConfigPath: c.configPath,
		StoreKind:  c.store,
		SQLitePath: c.dbPath,
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); err == nil {
			err = closeErr
		}
	}()

	if err := fn(client); err != nil {
		return err
	}
	if c.metricsOut != "" {
		if err := metrics.WriteTextfile(c.metricsOut, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	common := bindCommon(fs)
	runID := fs.String("run-id", "", "run id; generated when empty")
	episodes := fs.Int("episodes", 0, "episodes override")
	artifacts := fs.String("artifacts-dir", "", "run artifacts directory; storage.artifacts_dir or ./runs when empty")
	backtest := fs.Bool("backtest", true, "backtest the held-out rows after training")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *episodes < 0 {
		return errors.New("episodes must be >= 0")
	}

	return withClient(ctx, common, func(client *api.Client) error {
		dir := *artifacts
		if dir == "" && client.Settings().Storage.ArtifactsDir == "" {
			dir = defaultArtifactsDir
		}
		res, err := client.Train(ctx, api.TrainRequest{
			RunID:        *runID,
			Episodes:     *episodes,
			ArtifactsDir: dir,
			Backtest:     *backtest,
		})
		if err != nil {
			return err
		}
		if common.jsonOut {
			return writeJSON(res)
		}
		s := res.Summary
		fmt.Printf("run_id=%s symbol=%s model_id=%s episodes=%d steps=%d mean_loss=%.6f final_epsilon=%.4f\n",
			s.RunID, s.Symbol, s.ModelID, s.Episodes, s.Steps, s.MeanLoss, s.FinalEpsilon)
		for i, reward := range s.EpisodeRewards {
			fmt.Printf("episode=%d team_reward=%.6f\n", i+1, reward)
		}
		if res.Report != nil {
			printReport(*res.Report)
		}
		if res.RunDir != "" {
			fmt.Printf("artifacts=%s\n", filepath.Clean(res.RunDir))
		}
		return nil
	})
}

func runBacktest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	common := bindCommon(fs)
	modelID := fs.String("model-id", "", "stored model to load; latest for the symbol when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withClient(ctx, common, func(client *api.Client) error {
		if *modelID != "" {
			if err := client.LoadModel(ctx, *modelID); err != nil {
				return err
			}
		}
		report, err := client.Backtest(ctx)
		if err != nil {
			return err
		}
		if common.jsonOut {
			return writeJSON(report)
		}
		printReport(report)
		return nil
	})
}

func runPredict(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	common := bindCommon(fs)
	date := fs.String("date", "", "last observed row (YYYY-MM-DD); latest row when empty")
	noCache := fs.Bool("no-cache", false, "recompute instead of serving a memoized prediction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	asOf, err := parseDate(*date)
	if err != nil {
		return err
	}

	return withClient(ctx, common, func(client *api.Client) error {
		pred, err := client.Predict(ctx, api.PredictRequest{Date: asOf, NoCache: *noCache})
		if err != nil {
			return err
		}
		if common.jsonOut {
			return writeJSON(pred)
		}
		fmt.Printf("date=%s symbol=%s signal=%q score=%d team_q=%.6f joint_action=%v\n",
			pred.Date.Format(time.DateOnly), pred.Symbol, pred.Signal, pred.Score, pred.TeamQ, pred.JointAction.Ints())
		for _, a := range pred.Agents {
			fmt.Printf("agent=%s action=%s confidence=%.4f gated=%t q=%v\n", a.Agent, a.Action, a.Confidence, a.Gated, a.QValues)
		}
		for _, f := range pred.FeatureImportance {
			fmt.Printf("feature=%s importance=%.6f value=%.6f\n", f.Name, f.Importance, f.Value)
		}
		return nil
	})
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	common := bindCommon(fs)
	from := fs.String("from", "", "first trading day (YYYY-MM-DD)")
	to := fs.String("to", "", "last trading day (YYYY-MM-DD); last row when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	fromDate, err := parseDate(*from)
	if err != nil {
		return err
	}
	toDate, err := parseDate(*to)
	if err != nil {
		return err
	}

	return withClient(ctx, common, func(client *api.Client) error {
		rows, err := client.History(ctx, fromDate, toDate)
		if err != nil {
			return err
		}
		if common.jsonOut {
			return writeJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("no signals in range")
			return nil
		}
		for _, r := range rows {
			fmt.Printf("date=%s signal=%q daily_return=%.6f strategy_return=%.6f\n",
				r.Date.Format(time.DateOnly), r.Signal, r.DailyReturn, r.StrategyReturn)
		}
		return nil
	})
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	dir := fs.String("artifacts-dir", defaultArtifactsDir, "run artifacts directory")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	entries, err := stats.ListRunIndex(*dir)
	if err != nil {
		return err
	}
	if len(entries) > *limit {
		entries = entries[:*limit]
	}
	if *jsonOut {
		return writeJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("run_id=%s created_at=%s symbol=%s model_id=%s episodes=%d seed=%d final_reward=%.6f total_return=%.6f\n",
			e.RunID, e.CreatedAtUTC, e.Symbol, e.ModelID, e.Episodes, e.Seed, e.FinalReward, e.TotalReturn)
	}
	return nil
}

func runExport(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dir := fs.String("artifacts-dir", defaultArtifactsDir, "run artifacts directory")
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from the run index")
	outDir := fs.String("out", defaultExportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}
	if *latest {
		entries, err := stats.ListRunIndex(*dir)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return errors.New("no runs available to export")
		}
		*runID = entries[0].RunID
	}

	exported, err := stats.ExportRunArtifacts(*dir, *runID, *outDir)
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", *runID, filepath.Clean(exported))
	return nil
}

func printReport(r stats.BacktestReport) {
	fmt.Printf("backtest symbol=%s model_id=%s days=%d start=%s end=%s\n",
		r.Symbol, r.ModelID, r.Days, r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
	fmt.Printf("final_value=%.2f total_pnl=%.2f total_return=%.6f buy_and_hold=%.6f\n",
		r.FinalValue, r.TotalPnL, r.TotalReturn, r.BuyAndHold)
	fmt.Printf("sharpe=%.4f sortino=%.4f max_drawdown=%.6f win_rate=%.4f\n",
		r.Sharpe, r.Sortino, r.MaxDrawdown, r.WinRate)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: marlsignalctl <train|backtest|predict|history|runs|export> [flags]", msg)
}
