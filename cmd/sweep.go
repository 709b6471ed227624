package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/facecheck/internal/config"
	"github.com/example/facecheck/internal/controller"
	"github.com/example/facecheck/internal/logging"
	"github.com/example/facecheck/internal/transport"
)

var (
	sweepPreset      string
	sweepConcurrency int
)

// sweepResult is one detector x model combination.
type sweepResult struct {
	Selection transport.ModelSelection
	Verdict   *transport.Verdict
	Err       error
	Latency   time.Duration
}

var sweepCmd = &cobra.Command{
	Use:   "sweep <reference> <target>",
	Short: "Compare two images with every detector and model of a preset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		preset, ok := cfg.Models.Presets[sweepPreset]
		if !ok {
			names := make([]string, 0, len(cfg.Models.Presets))
			for name := range cfg.Models.Presets {
				names = append(names, name)
			}
			slices.Sort(names)
			return fmt.Errorf("unknown preset %q (available: %v)", sweepPreset, names)
		}

		ref, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		target, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := runSweep(cmd.Context(), a.stateless, cfg.UserID, preset, ref, target, sweepConcurrency, logger)
		if err != nil {
			return err
		}
		printSweep(cmd.OutOrStdout(), results)
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepPreset, "preset", "quick", "preset name from the config")
	sweepCmd.Flags().IntVar(&sweepConcurrency, "concurrency", 4, "concurrent backend calls")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(ctx context.Context, verifier controller.PairVerifier, userID string, preset config.Preset, ref, target []byte, concurrency int, logger *zap.Logger) ([]sweepResult, error) {
	opLogger := logging.WithOperation(logger, "sweep", uuid.NewString())

	var selections []transport.ModelSelection
	for _, detector := range preset.Detectors {
		for _, model := range preset.Models {
			selections = append(selections, transport.ModelSelection{DetectorBackend: detector, RecognitionModel: model})
		}
	}
	results := make([]sweepResult, len(selections))

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, sel := range selections {
		i, sel := i, sel
		g.Go(func() error {
			started := time.Now()
			verdict, err := verifier.VerifyPair(gctx, ref, target, userID, sel)
			results[i] = sweepResult{Selection: sel, Verdict: verdict, Err: err, Latency: time.Since(started)}
			if err != nil {
				opLogger.Warn("combination failed",
					zap.String("detector", sel.DetectorBackend),
					zap.String("model", sel.RecognitionModel),
					zap.Error(err))
			}
			// Per-combination failures end up in the table.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	opLogger.Info("sweep finished", zap.Int("combinations", len(results)))
	return results, nil
}

func printSweep(out io.Writer, results []sweepResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DETECTOR\tMODEL\tRESULT\tLATENCY")
	fmt.Fprintln(w, "--------\t-----\t------\t-------")
	for _, r := range results {
		result := controller.FormatVerdict(r.Verdict)
		if r.Err != nil {
			result = "failed: " + r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Selection.DetectorBackend, r.Selection.RecognitionModel, result, r.Latency.Round(time.Millisecond))
	}
	w.Flush()
}
