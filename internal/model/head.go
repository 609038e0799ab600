package model

import (
	"fmt"

	"github.com/Brownie44l1/bcd-api/internal/checkpoint"
	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

// Head is the classifier on top of the feature map:
// ReLU, global average pooling, then a linear layer.
type Head struct {
	weight   []float32 // [classes][channels]
	bias     []float32
	channels int
}

func NewHead(params checkpoint.Params, channels int) (*Head, error) {
	weight, err := params.Expect("classifier.weight", len(Labels), channels)
	if err != nil {
		return nil, err
	}
	bias, err := params.Expect("classifier.bias", len(Labels))
	if err != nil {
		return nil, err
	}
	return &Head{weight: weight, bias: bias, channels: channels}, nil
}

func (h *Head) Forward(features tensor.Tensor) ([]float32, error) {
	if features.C != h.channels {
		return nil, fmt.Errorf("%w: feature map has %d channels, head expects %d", checkpoint.ErrIncompatible, features.C, h.channels)
	}
	pooled := make([]float32, features.C)
	n := float32(features.Plane())
	for c := range pooled {
		var sum float32
		for _, v := range features.Channel(c) {
			if v > 0 {
				sum += v
			}
		}
		pooled[c] = sum / n
	}

	logits := make([]float32, len(h.bias))
	for k := range logits {
		sum := h.bias[k]
		row := h.weight[k*h.channels : (k+1)*h.channels]
		for c, p := range pooled {
			sum += row[c] * p
		}
		logits[k] = sum
	}
	return logits, nil
}

// Gradient returns d logit[class] / d features:
// weight[class][c] / (H*W) where the feature is positive, zero elsewhere.
func (h *Head) Gradient(features tensor.Tensor, class int) (tensor.Tensor, error) {
	if class < 0 || class >= len(h.bias) {
		return tensor.Tensor{}, fmt.Errorf("class index %d out of range [0, %d)", class, len(h.bias))
	}
	if features.C != h.channels {
		return tensor.Tensor{}, fmt.Errorf("%w: feature map has %d channels, head expects %d", checkpoint.ErrIncompatible, features.C, h.channels)
	}
	grad := tensor.New(features.C, features.H, features.W)
	n := float32(features.Plane())
	row := h.weight[class*h.channels : (class+1)*h.channels]
	for c := 0; c < features.C; c++ {
		g := row[c] / n
		src, dst := features.Channel(c), grad.Channel(c)
		for i, v := range src {
			if v > 0 {
				dst[i] = g
			}
		}
	}
	return grad, nil
}
