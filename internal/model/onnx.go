package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/bcd-api/internal/device"
	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

// InitRuntime loads the onnxruntime shared library. An empty libPath keeps the
// library's default lookup.
func InitRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func DestroyRuntime() {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// UsesRuntime reports whether the named extractor needs the onnxruntime
// library. The empty name selects the ONNX extractor.
func UsesRuntime(extractor string) bool {
	return extractor == ExtractorONNX || extractor == ""
}

// AcquireRuntime initializes the runtime unless it is already up. The returned
// release destroys it only if this call created it.
func AcquireRuntime(libPath string) (release func(), err error) {
	if ort.IsInitialized() {
		return func() {}, nil
	}
	if err := InitRuntime(libPath); err != nil {
		return nil, err
	}
	return DestroyRuntime, nil
}

// ONNXExtractor runs the exported feature graph of the network. Its output is
// the final spatial layer before pooling.
type ONNXExtractor struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputShape   [3]int
	featureShape [3]int
}

func NewONNXExtractor(modelPath, metadataPath string, dev device.Device, logger *zap.SugaredLogger) (*ONNXExtractor, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.FeatureShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := dev.SessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Infof("Feature graph loaded: %s (input %v, features %v, device %s)",
		modelPath, metadata.InputShape, metadata.FeatureShape, dev.Kind)

	in, fs := metadata.InputShape, metadata.FeatureShape
	return &ONNXExtractor{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputShape:   [3]int{int(in[1]), int(in[2]), int(in[3])},
		featureShape: [3]int{int(fs[1]), int(fs[2]), int(fs[3])},
	}, nil
}

func (e *ONNXExtractor) Channels() int {
	return e.featureShape[0]
}

// Features runs the graph on one input. Runs are serialized because the
// session's input and output tensors are shared.
func (e *ONNXExtractor) Features(input tensor.Tensor) (tensor.Tensor, error) {
	if input.C != e.inputShape[0] || input.H != e.inputShape[1] || input.W != e.inputShape[2] {
		return tensor.Tensor{}, fmt.Errorf("input shape %s does not match model input %v", input, e.inputShape)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputTensor.GetData(), input.Data)
	if err := e.session.Run(); err != nil {
		return tensor.Tensor{}, fmt.Errorf("inference failed: %w", err)
	}

	out := tensor.New(e.featureShape[0], e.featureShape[1], e.featureShape[2])
	copy(out.Data, e.outputTensor.GetData())
	return out, nil
}

func (e *ONNXExtractor) Close() {
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
	if e.session != nil {
		e.session.Destroy()
	}
}
