// Package gradcam reduces a captured activation/gradient pair into a
// normalized class activation map.
package gradcam

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/bcd-api/internal/capture"
	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

// Saliency is a single-channel map at feature-map resolution with values in [0, 1].
type Saliency struct {
	H, W int
	Data []float32
}

func (s *Saliency) At(y, x int) float32 { return s.Data[y*s.W+x] }

func (s *Saliency) Max() float32 {
	var m float32
	for _, v := range s.Data {
		if v > m {
			m = v
		}
	}
	return m
}

// Degenerate reports whether no location received positive evidence.
func (s *Saliency) Degenerate() bool {
	return s.Max() == 0
}

// ChannelWeights returns the spatial mean of every gradient channel.
func ChannelWeights(grad tensor.Tensor) []float64 {
	weights := make([]float64, grad.C)
	plane := make([]float64, grad.Plane())
	for c := 0; c < grad.C; c++ {
		for i, v := range grad.Channel(c) {
			plane[i] = float64(v)
		}
		weights[c] = floats.Sum(plane) / float64(len(plane))
	}
	return weights
}

// Compute weights each activation channel by its mean gradient, sums over
// channels, keeps the positive part and scales it by its maximum. A map
// without positive values stays all zero.
func Compute(act, grad tensor.Tensor) (*Saliency, error) {
	if act.Empty() || grad.Empty() {
		return nil, capture.ErrCaptureOrder
	}
	if !act.SameShape(grad) {
		return nil, fmt.Errorf("%w: activation %s, gradient %s", capture.ErrShapeMismatch, act, grad)
	}

	hw := act.Plane()
	acts := make([]float64, len(act.Data))
	for i, v := range act.Data {
		acts[i] = float64(v)
	}

	// (C x HW)^T . w -> HW
	a := mat.NewDense(act.C, hw, acts)
	w := mat.NewVecDense(act.C, ChannelWeights(grad))
	var cam mat.VecDense
	cam.MulVec(a.T(), w)

	raw := cam.RawVector().Data
	for i, v := range raw {
		if v < 0 {
			raw[i] = 0
		}
	}
	if m := floats.Max(raw); m > 0 {
		for i := range raw {
			raw[i] /= m
		}
	}

	s := &Saliency{H: act.H, W: act.W, Data: make([]float32, hw)}
	for i, v := range raw {
		s.Data[i] = float32(v)
	}
	return s, nil
}

// FromCapture computes the map from a completed capture.
func FromCapture(c *capture.Capture) (*Saliency, error) {
	act, grad, err := c.Pair()
	if err != nil {
		return nil, err
	}
	return Compute(act, grad)
}
