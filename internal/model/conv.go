package model

import (
	"fmt"

	"github.com/Brownie44l1/bcd-api/internal/checkpoint"
	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

type convLayer struct {
	kernel      []float32 // [out][in][k][k]
	bias        []float32
	in, out, k  int
	stride, pad int
}

// ConvExtractor is a plain convolutional feature extractor whose weights come
// from the checkpoint as features.conv{i}.weight / features.conv{i}.bias.
// Layers are separated by ReLU; the last layer's raw output is the feature map.
type ConvExtractor struct {
	layers []convLayer
}

func NewConvExtractor(params checkpoint.Params, stride int) (*ConvExtractor, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("invalid conv stride %d", stride)
	}

	e := &ConvExtractor{}
	in := 3
	for i := 0; ; i++ {
		name := fmt.Sprintf("features.conv%d.weight", i)
		shape, ok := params.Shape(name)
		if !ok {
			break
		}
		if len(shape) != 4 {
			return nil, fmt.Errorf("%w: parameter %s has shape %v, expected [out, in, k, k]", checkpoint.ErrIncompatible, name, shape)
		}
		out, k := shape[0], shape[2]
		kernel, err := params.Expect(name, out, in, k, k)
		if err != nil {
			return nil, err
		}
		bias, err := params.Expect(fmt.Sprintf("features.conv%d.bias", i), out)
		if err != nil {
			return nil, err
		}
		e.layers = append(e.layers, convLayer{
			kernel: kernel, bias: bias,
			in: in, out: out, k: k,
			stride: stride, pad: k / 2,
		})
		in = out
	}
	if len(e.layers) == 0 {
		return nil, fmt.Errorf("%w: no features.conv0.weight parameter", checkpoint.ErrIncompatible)
	}
	return e, nil
}

func (e *ConvExtractor) Channels() int {
	return e.layers[len(e.layers)-1].out
}

func (e *ConvExtractor) Features(input tensor.Tensor) (tensor.Tensor, error) {
	if input.C != 3 {
		return tensor.Tensor{}, fmt.Errorf("input shape %s must have 3 channels", input)
	}
	x := input
	for i, l := range e.layers {
		x = l.forward(x)
		if x.H == 0 || x.W == 0 {
			return tensor.Tensor{}, fmt.Errorf("conv layer %d reduced the input to nothing", i)
		}
		if i < len(e.layers)-1 {
			for j, v := range x.Data {
				if v < 0 {
					x.Data[j] = 0
				}
			}
		}
	}
	return x, nil
}

func (e *ConvExtractor) Close() {}

func (l convLayer) forward(x tensor.Tensor) tensor.Tensor {
	outH := (x.H+2*l.pad-l.k)/l.stride + 1
	outW := (x.W+2*l.pad-l.k)/l.stride + 1
	if outH <= 0 || outW <= 0 {
		return tensor.Tensor{C: l.out}
	}
	y := tensor.New(l.out, outH, outW)
	kk := l.k * l.k
	for f := 0; f < l.out; f++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				sum := l.bias[f]
				for ic := 0; ic < l.in; ic++ {
					for kh := 0; kh < l.k; kh++ {
						ih := oh*l.stride + kh - l.pad
						if ih < 0 || ih >= x.H {
							continue
						}
						for kw := 0; kw < l.k; kw++ {
							iw := ow*l.stride + kw - l.pad
							if iw < 0 || iw >= x.W {
								continue
							}
							sum += x.At(ic, ih, iw) * l.kernel[f*l.in*kk+ic*kk+kh*l.k+kw]
						}
					}
				}
				y.Set(f, oh, ow, sum)
			}
		}
	}
	return y
}
