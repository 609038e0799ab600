// Package predictor runs a prediction end to end: load and preprocess the
// image, classify it and, when asked, explain the decision with a Grad-CAM
// overlay written to a fixed path.
package predictor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Brownie44l1/bcd-api/internal/capture"
	"github.com/Brownie44l1/bcd-api/internal/device"
	"github.com/Brownie44l1/bcd-api/internal/gradcam"
	"github.com/Brownie44l1/bcd-api/internal/imageio"
	"github.com/Brownie44l1/bcd-api/internal/model"
	"github.com/Brownie44l1/bcd-api/internal/overlay"
	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

// DefaultOutputPath is where the overlay goes unless configured otherwise.
const DefaultOutputPath = "output_with_heatmap.png"

type ExplanationMode int

const (
	None ExplanationMode = iota
	GradCAM
)

func (m ExplanationMode) String() string {
	if m == GradCAM {
		return "gradcam"
	}
	return "none"
}

// Request selects the explanation mode. TargetClass overrides the class the
// explanation is computed for; nil means the predicted class.
type Request struct {
	Mode        ExplanationMode
	TargetClass *int
}

type Result struct {
	Label         string
	ClassIndex    int
	Probabilities []float32
	TargetClass   int
	// Set in GradCAM mode only.
	OverlayPath string
	Saliency    *gradcam.Saliency
}

type Options struct {
	OutputPath string
	Device     device.Device
}

// Predictor is safe for concurrent use: every explanation gets its own
// capture buffers and overlay writes are serialized.
type Predictor struct {
	classifier *model.Classifier
	opts       Options
	logger     *zap.SugaredLogger
	writeMu    sync.Mutex
}

func New(classifier *model.Classifier, opts Options, logger *zap.SugaredLogger) *Predictor {
	if opts.OutputPath == "" {
		opts.OutputPath = DefaultOutputPath
	}
	return &Predictor{classifier: classifier, opts: opts, logger: logger}
}

func (p *Predictor) OutputPath() string {
	return p.opts.OutputPath
}

func (p *Predictor) Predict(imagePath string, req Request) (*Result, error) {
	img, err := imageio.Load(imagePath)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	p.logger.Infof("Image: %s, dimensions: %dx%d, mode: %s", imagePath, b.Dx(), b.Dy(), req.Mode)

	input := imageio.Preprocess(img)

	if req.Mode != GradCAM {
		out, err := p.classifier.Forward(input, nil)
		if err != nil {
			return nil, err
		}
		return p.result(out), nil
	}

	c := capture.New()
	defer c.Reset()

	out, err := p.classifier.Forward(input, c)
	if err != nil {
		return nil, err
	}
	res := p.result(out)

	target := res.ClassIndex
	if req.TargetClass != nil {
		target = *req.TargetClass
		if target < 0 || target >= len(model.Labels) {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", target, len(model.Labels))
		}
	}
	if err := p.classifier.Backward(out, target, c); err != nil {
		return nil, fmt.Errorf("backward pass failed: %w", err)
	}

	sal, err := gradcam.FromCapture(c)
	if err != nil {
		return nil, fmt.Errorf("grad-cam failed: %w", err)
	}
	if sal.Degenerate() {
		p.logger.Warnf("No positive evidence for class %d, saliency map is all zero", target)
	}

	composite, err := overlay.Composite(img, sal)
	defer composite.Close()
	if err != nil {
		return nil, err
	}

	p.writeMu.Lock()
	err = overlay.Save(p.opts.OutputPath, composite)
	p.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	p.logger.Infof("Heatmap saved at: %s", p.opts.OutputPath)

	res.OverlayPath = p.opts.OutputPath
	res.Saliency = sal
	res.TargetClass = target
	return res, nil
}

// PredictTensor classifies an already preprocessed input. No explanation is
// produced.
func (p *Predictor) PredictTensor(input tensor.Tensor) (*Result, error) {
	if input.C != 3 || input.H != imageio.Size || input.W != imageio.Size {
		return nil, fmt.Errorf("input shape %s, expected (3, %d, %d)", input, imageio.Size, imageio.Size)
	}
	out, err := p.classifier.Forward(input, nil)
	if err != nil {
		return nil, err
	}
	return p.result(out), nil
}

func (p *Predictor) result(out *model.Output) *Result {
	idx := out.Predicted()
	p.logger.Infof("Prediction: %s (logits %v)", model.Label(idx), out.Logits)
	return &Result{
		Label:         model.Label(idx),
		ClassIndex:    idx,
		Probabilities: out.Probabilities(),
		TargetClass:   idx,
	}
}

// Predict loads the model at modelPath and runs a single prediction, with a
// Grad-CAM overlay when explain is set. modelOpts.ModelPath is replaced by
// modelPath.
func Predict(imagePath, modelPath string, explain bool, modelOpts model.Options, opts Options, logger *zap.SugaredLogger) (*Result, error) {
	if err := imageio.Check(imagePath); err != nil {
		return nil, err
	}
	modelOpts.ModelPath = modelPath
	if model.UsesRuntime(modelOpts.Extractor) {
		release, err := model.AcquireRuntime(modelOpts.RuntimeLib)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	classifier, err := model.Load(modelOpts, opts.Device, logger)
	if err != nil {
		return nil, err
	}
	defer classifier.Close()

	mode := None
	if explain {
		mode = GradCAM
	}
	return New(classifier, opts, logger).Predict(imagePath, Request{Mode: mode})
}
