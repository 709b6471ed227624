package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/facecheck/internal/reference"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Register a reference image with the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		uploader := reference.NewUploader(cfg.Backend.Endpoint(cfg.Backend.UploadPath),
			&http.Client{Timeout: cfg.Backend.RequestTimeout}, logger)
		rec, err := uploader.Upload(cmd.Context(), filepath.Base(args[0]), data)

		var rejected *reference.UploadRejectedError
		if errors.As(err, &rejected) {
			return fmt.Errorf("backend rejected %s: %s", rec.Filename, rejected.Reason)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reference registered: %s (%d bytes)\n", rec.Filename, len(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
