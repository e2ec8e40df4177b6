package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/transit-lab/farecast/internal/ingest"
	"github.com/transit-lab/farecast/internal/loss"
	"github.com/transit-lab/farecast/internal/model"
	"github.com/transit-lab/farecast/internal/pipeline"
	"github.com/transit-lab/farecast/internal/store"
)

var (
	// Global flags
	storeBackend string
	snapshotPath string
	redisAddr    string
	postgresConn string
	seriesKey    string

	// Pipeline flags
	farePrice       float64
	validationYear  int
	testCutoffYear  int
	assessmentWeeks int
	seed            int64
	modelList       []string

	// Subcommand flags
	inputPath  string
	fareTypes  []string
	outputPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "farecast",
		Short: "Counterfactual fare revenue forecasting for the NYC subway",
		Long: `Estimates fare revenue lost to the COVID-19 ridership collapse.
Ingests weekly fare-swipe counts, calibrates a forecaster ensemble on
pre-pandemic data, and projects a no-COVID revenue trajectory with
uncertainty bands.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "memory", "Series store backend: memory, redis, postgres")
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "data/series.json", "Snapshot file for the memory store")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address for --store=redis")
	rootCmd.PersistentFlags().StringVar(&postgresConn, "postgres-conn", "", "Postgres connection string for --store=postgres")
	rootCmd.PersistentFlags().StringVar(&seriesKey, "series", "default", "Series key in the store")

	// Subcommands
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ingestCmd parses a fare-swipe CSV into the series store
func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Parse a fare-swipe CSV and store the aggregated weekly series",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			f, err := os.Open(inputPath)
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()

			opts := ingest.DefaultOptions()
			opts.FareTypes = fareTypes
			ws, err := ingest.ReadCSV(f, opts)
			if err != nil {
				return err
			}

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Save(ctx, seriesKey, ws); err != nil {
				return fmt.Errorf("failed to save series: %w", err)
			}

			fmt.Printf("Ingested %d weeks (%s to %s) into series %q\n",
				len(ws),
				ws[0].WeekStart.Format("2006-01-02"),
				ws[len(ws)-1].WeekStart.Format("2006-01-02"),
				seriesKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input CSV file (date, station, fare_type, swipes)")
	cmd.Flags().StringSliceVar(&fareTypes, "fare-types", nil, "Restrict ingestion to these fare classes")
	cmd.MarkFlagRequired("input")

	return cmd
}

// runCmd executes the full pipeline and prints the headline loss
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run calibration, refit, forecast, and loss estimation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			res, err := runPipeline(ctx)
			if err != nil {
				return err
			}

			printReport(res)

			if len(res.Loss) > 0 {
				fmt.Printf("\nTest horizon: %d weeks starting %s\n",
					len(res.Loss), res.Loss[0].Date.Format("2006-01-02"))
				fmt.Printf("Cumulative fare loss: $%.0f  (95%% band: $%.0f to $%.0f)\n",
					res.CumulativeLoss, res.CumulativeLossLo, res.CumulativeLossHi)
			}

			if outputPath != "" {
				data, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal result: %w", err)
				}
				if err := os.WriteFile(outputPath, data, 0644); err != nil {
					return fmt.Errorf("failed to write output: %w", err)
				}
				fmt.Printf("Full result written to %s\n", outputPath)
			}
			return nil
		},
	}

	addPipelineFlags(cmd)
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the full result as JSON to this file")

	return cmd
}

// reportCmd prints the validation accuracy table only
func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the validation accuracy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runPipeline(context.Background())
			if err != nil {
				return err
			}
			printReport(res)
			return nil
		},
	}

	addPipelineFlags(cmd)

	return cmd
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&farePrice, "fare-price", loss.DefaultFarePrice, "Dollar value of one swipe")
	cmd.Flags().IntVar(&validationYear, "validation-year", 2019, "Calendar year held out for model selection")
	cmd.Flags().IntVar(&testCutoffYear, "test-cutoff-year", 2020, "First calendar year of the test horizon")
	cmd.Flags().IntVar(&assessmentWeeks, "assessment-weeks", 52, "Walk-forward assessment window inside training data")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Random seed for stochastic model components")
	cmd.Flags().StringSliceVar(&modelList, "models", nil, "Strategies to fit (default: all)")
}

func runPipeline(ctx context.Context) (*pipeline.Result, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	ws, err := st.Load(ctx, seriesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load series %q: %w", seriesKey, err)
	}

	cfg := pipeline.DefaultConfig()
	cfg.FarePrice = farePrice
	cfg.Split.ValidationYear = validationYear
	cfg.Split.TestCutoffYear = testCutoffYear
	cfg.Split.AssessmentWeeks = assessmentWeeks
	cfg.Seed = seed
	if len(modelList) > 0 {
		cfg.Strategies = make([]model.Strategy, 0, len(modelList))
		for _, id := range modelList {
			s, err := model.ParseStrategy(strings.TrimSpace(id))
			if err != nil {
				return nil, err
			}
			cfg.Strategies = append(cfg.Strategies, s)
		}
	}

	return pipeline.New(cfg).Run(ctx, ws)
}

func printReport(res *pipeline.Result) {
	fmt.Printf("=== Validation Accuracy ===\n")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tMODEL\tMAE\tRMSE\tMAPE\tMASE\tSMAPE\tRSQ")
	for i, sc := range res.Report.Ranked {
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%.1f\t%.2f\t%.3f\t%.2f\t%.3f\n",
			i+1, sc.ModelID,
			sc.Metrics.MAE, sc.Metrics.RMSE, sc.Metrics.MAPE,
			sc.Metrics.MASE, sc.Metrics.SMAPE, sc.Metrics.RSquared)
	}
	w.Flush()

	for _, f := range res.Report.Failures {
		fmt.Printf("excluded: %s (%s: %s)\n", f.ModelID, f.Stage, f.Reason)
	}
	fmt.Printf("Selected model: %s\n", res.BestModelID)
}

func openStore(ctx context.Context) (store.Store, error) {
	switch storeBackend {
	case "memory":
		return store.NewMemoryStore(snapshotPath), nil
	case "redis":
		return store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	case "postgres":
		return store.NewPostgresStore(ctx, postgresConn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", storeBackend)
	}
}
