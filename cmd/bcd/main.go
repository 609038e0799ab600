package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/bcd-api/internal/app"
	"github.com/Brownie44l1/bcd-api/internal/config"
	"github.com/Brownie44l1/bcd-api/internal/imageio"
	"github.com/Brownie44l1/bcd-api/internal/logging"
	"github.com/Brownie44l1/bcd-api/internal/predictor"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		printError(root.ErrOrStderr(), err)
		os.Exit(1)
	}
}

func printError(w io.Writer, err error) {
	if errors.Is(err, imageio.ErrInputNotFound) {
		fmt.Fprintln(w, "Error: Image file not found.")
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bcd",
		Short:         "Breast cancer histopathology classifier with Grad-CAM explanations",
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		explain     bool
		targetClass int
	)
	cmd := &cobra.Command{
		Use:   "run <image_path>",
		Short: "Classify an image and save the Grad-CAM overlay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			imagePath := args[0]
			if err := imageio.Check(imagePath); err != nil {
				return err
			}

			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			req := predictor.Request{Mode: predictor.None}
			if explain {
				req.Mode = predictor.GradCAM
			}
			if targetClass >= 0 {
				req.TargetClass = &targetClass
			}

			res, err := a.Predictor.Predict(imagePath, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Prediction: %s\n", res.Label)
			if res.OverlayPath != "" {
				fmt.Fprintf(out, "Heatmap saved at: %s\n", res.OverlayPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", true, "compute and save the Grad-CAM overlay")
	cmd.Flags().IntVar(&targetClass, "target-class", -1, "class to explain (default: the predicted class)")
	cmd.Flags().String("model-path", "", "path to checkpoint (.safetensors or .json)")
	cmd.Flags().String("extractor", "", "feature extractor (onnx or conv)")
	cmd.Flags().String("output-path", "", "where to write the overlay")
	return cmd
}
