package model

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Brownie44l1/bcd-api/internal/capture"
	"github.com/Brownie44l1/bcd-api/internal/checkpoint"
	"github.com/Brownie44l1/bcd-api/internal/device"
	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

// FeatureExtractor produces the designated spatial layer's output.
type FeatureExtractor interface {
	Features(input tensor.Tensor) (tensor.Tensor, error)
	Channels() int
	Close()
}

const (
	ExtractorONNX = "onnx"
	ExtractorConv = "conv"
)

type Options struct {
	ModelPath    string
	Extractor    string
	ONNXPath     string
	MetadataPath string
	ConvStride   int
	// RuntimeLib is the onnxruntime shared library; empty keeps the default lookup.
	RuntimeLib string
}

// Classifier is a feature extractor followed by the linear head. Its weights
// are read-only after Load, so one Classifier may serve concurrent calls.
type Classifier struct {
	extractor FeatureExtractor
	head      *Head
}

func New(extractor FeatureExtractor, head *Head) *Classifier {
	return &Classifier{extractor: extractor, head: head}
}

// Load reads the checkpoint and builds the configured extractor and the head.
func Load(opts Options, dev device.Device, logger *zap.SugaredLogger) (*Classifier, error) {
	logger.Infof("Loading model from: %s", opts.ModelPath)
	params, err := checkpoint.Load(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var extractor FeatureExtractor
	switch opts.Extractor {
	case ExtractorConv:
		extractor, err = NewConvExtractor(params, opts.ConvStride)
	case ExtractorONNX, "":
		// callers initialize the runtime first, see AcquireRuntime
		extractor, err = NewONNXExtractor(opts.ONNXPath, opts.MetadataPath, dev, logger)
	default:
		err = fmt.Errorf("unknown extractor %q", opts.Extractor)
	}
	if err != nil {
		return nil, err
	}

	head, err := NewHead(params, extractor.Channels())
	if err != nil {
		extractor.Close()
		return nil, err
	}
	logger.Infof("Classes: %v", Labels)
	return New(extractor, head), nil
}

// Forward runs the network. When hooks is non-nil the designated layer's
// output is handed to hooks.CaptureForward.
func (m *Classifier) Forward(input tensor.Tensor, hooks capture.Hooks) (*Output, error) {
	features, err := m.extractor.Features(input)
	if err != nil {
		return nil, err
	}
	if hooks != nil {
		hooks.CaptureForward(features)
	}
	logits, err := m.head.Forward(features)
	if err != nil {
		return nil, err
	}
	return &Output{Logits: logits, features: features}, nil
}

// Backward propagates the score of class back to the designated layer and
// hands the gradient to hooks.CaptureBackward.
func (m *Classifier) Backward(out *Output, class int, hooks capture.Hooks) error {
	if out == nil || out.features.Empty() || hooks == nil {
		return capture.ErrCaptureOrder
	}
	grad, err := m.head.Gradient(out.features, class)
	if err != nil {
		return err
	}
	return hooks.CaptureBackward(grad)
}

func (m *Classifier) Close() {
	m.extractor.Close()
}
