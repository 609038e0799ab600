package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/Brownie44l1/bcd-api/internal/app"
	"github.com/Brownie44l1/bcd-api/internal/config"
	"github.com/Brownie44l1/bcd-api/internal/handlers"
	"github.com/Brownie44l1/bcd-api/internal/logging"
)

func main() {
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configFile := flags.String("config", "", "path to config file")
	flags.String("model-path", "", "path to checkpoint")
	flags.String("extractor", "", "feature extractor (onnx or conv)")
	flags.String("port", "", "listen port")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configFile, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize model: %v", err)
	}
	defer a.Close()

	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := handlers.NewHandler(a.Predictor, cfg.UploadDir, logger)
	router := handlers.NewRouter(handler, cfg.OutputPath)

	logger.Infof("Server starting on port %s", cfg.Port)
	logger.Infof("Model loaded: %s", cfg.ModelPath)
	logger.Info("Endpoints:")
	logger.Info("  GET /health - Health check")
	logger.Info("  POST /predict - Predict from image upload (form field 'image', optional 'explain')")
	logger.Info("  POST /predict/tensor - Raw preprocessed array prediction")
	logger.Infof("  GET /heatmaps/%s - Latest Grad-CAM overlay", filepath.Base(cfg.OutputPath))

	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Fatalf("Server failed: %v", err)
	}
}
