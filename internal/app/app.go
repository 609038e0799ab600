package app

import (
	"go.uber.org/zap"

	"github.com/Brownie44l1/bcd-api/internal/config"
	"github.com/Brownie44l1/bcd-api/internal/device"
	"github.com/Brownie44l1/bcd-api/internal/model"
	"github.com/Brownie44l1/bcd-api/internal/predictor"
)

// App holds the loaded classifier and the predictor built on it.
type App struct {
	Config     *config.Config
	Device     device.Device
	Classifier *model.Classifier
	Predictor  *predictor.Predictor
	release    func()
}

// New initializes the runtime when needed, selects the device once and loads
// the classifier.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	onnx := model.UsesRuntime(cfg.Extractor)
	release := func() {}
	if onnx {
		var err error
		if release, err = model.AcquireRuntime(cfg.ONNXRuntimeLib); err != nil {
			return nil, err
		}
	}

	dev := device.Select(cfg.UseCUDA && onnx, cfg.NumThreads, logger)

	classifier, err := model.Load(cfg.ModelOptions(), dev, logger)
	if err != nil {
		release()
		return nil, err
	}

	p := predictor.New(classifier, predictor.Options{OutputPath: cfg.OutputPath, Device: dev}, logger)
	return &App{
		Config:     cfg,
		Device:     dev,
		Classifier: classifier,
		Predictor:  p,
		release:    release,
	}, nil
}

func (a *App) Close() {
	a.Classifier.Close()
	a.release()
}
