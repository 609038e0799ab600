package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

// Labels is the class vocabulary in logit order.
var Labels = []string{
	"Benign (non-cancerous)",
	"Malignant (cancerous)",
}

// Metadata describes the exported feature graph.
type Metadata struct {
	InputName    string   `json:"input_name"`
	OutputName   string   `json:"output_name"`
	InputShape   []int64  `json:"input_shape"`
	FeatureShape []int64  `json:"feature_shape"`
	Classes      []string `json:"classes"`
	ImageSize    int      `json:"image_size"`
}

func LoadMetadata(path string) (Metadata, error) {
	var metadata Metadata
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "features"
	}
	if len(metadata.InputShape) != 4 || len(metadata.FeatureShape) != 4 {
		return metadata, fmt.Errorf("metadata shapes must be NCHW, got input %v, features %v", metadata.InputShape, metadata.FeatureShape)
	}
	if metadata.InputShape[0] != 1 || metadata.FeatureShape[0] != 1 {
		return metadata, fmt.Errorf("metadata shapes must have batch size 1")
	}
	if len(metadata.Classes) != 0 && len(metadata.Classes) != len(Labels) {
		return metadata, fmt.Errorf("metadata lists %d classes, classifier has %d", len(metadata.Classes), len(Labels))
	}
	return metadata, nil
}

// Output is the result of one forward pass.
type Output struct {
	Logits   []float32
	features tensor.Tensor
}

// Predicted returns the index of the largest logit.
func (o *Output) Predicted() int {
	return Argmax(o.Logits)
}

func (o *Output) Probabilities() []float32 {
	return Softmax(o.Logits)
}

func Argmax(f []float32) int {
	r, m := 0, f[0]
	for i, v := range f {
		if v > m {
			m = v
			r = i
		}
	}
	return r
}

func Softmax(logits []float32) []float32 {
	m := logits[Argmax(logits)]
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - m))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// Label returns the class name for idx.
func Label(idx int) string {
	label := "unknown"
	if idx >= 0 && idx < len(Labels) {
		label = Labels[idx]
	}
	return label
}
