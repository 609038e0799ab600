// Package capture records the designated layer's output during a forward pass
// and the gradient flowing into it during the class-score backward pass.
package capture

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

var (
	// ErrCaptureOrder is returned when a gradient arrives without a matching
	// forward capture, or a pair is requested before both halves exist.
	ErrCaptureOrder = errors.New("backward capture without prior forward capture")
	// ErrShapeMismatch is returned when activation and gradient shapes differ.
	ErrShapeMismatch = errors.New("activation and gradient shapes differ")
)

// Hooks is called by the classifier on the designated layer.
type Hooks interface {
	CaptureForward(layerOutput tensor.Tensor)
	CaptureBackward(gradient tensor.Tensor) error
}

// Capture holds one activation/gradient pair. It is not safe for concurrent
// use; give every prediction its own Capture.
type Capture struct {
	activation tensor.Tensor
	gradient   tensor.Tensor
}

func New() *Capture {
	return &Capture{}
}

// CaptureForward records a copy of the layer output. If the layer runs more
// than once before backward, the last output wins. Any earlier gradient is
// dropped since it belongs to a previous activation.
func (c *Capture) CaptureForward(layerOutput tensor.Tensor) {
	c.activation = layerOutput.Clone()
	c.gradient = tensor.Tensor{}
}

// CaptureBackward records the gradient with respect to the last captured
// activation. On failure both buffers are cleared.
func (c *Capture) CaptureBackward(gradient tensor.Tensor) error {
	if c.activation.Empty() {
		c.Reset()
		return ErrCaptureOrder
	}
	if !c.activation.SameShape(gradient) {
		err := fmt.Errorf("%w: activation %s, gradient %s", ErrShapeMismatch, c.activation, gradient)
		c.Reset()
		return err
	}
	c.gradient = gradient.Clone()
	return nil
}

// Pair returns the captured activation and gradient.
func (c *Capture) Pair() (tensor.Tensor, tensor.Tensor, error) {
	if c.activation.Empty() || c.gradient.Empty() {
		return tensor.Tensor{}, tensor.Tensor{}, ErrCaptureOrder
	}
	return c.activation, c.gradient, nil
}

func (c *Capture) Reset() {
	c.activation = tensor.Tensor{}
	c.gradient = tensor.Tensor{}
}
