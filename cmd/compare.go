package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/facecheck/internal/transport"
)

var (
	compareDetector string
	compareModel    string
)

var compareCmd = &cobra.Command{
	Use:   "compare <reference> <target>",
	Short: "Verify two images against each other",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		_, err = a.controller.ComparePair(cmd.Context(), ref, target, a.selection(compareDetector, compareModel))
		if errors.Is(err, transport.ErrInvalidSelection) {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), a.controller.Display().Text)
		return err
	},
}

func init() {
	compareCmd.Flags().StringVar(&compareDetector, "detector", "", "detector backend (default from config)")
	compareCmd.Flags().StringVar(&compareModel, "model", "", "recognition model (default from config)")
	rootCmd.AddCommand(compareCmd)
}
