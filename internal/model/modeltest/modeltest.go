// Package modeltest builds small deterministic checkpoints for tests of the
// pure-Go classifier.
package modeltest

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/bcd-api/internal/checkpoint"
)

// Stride used with Params; three stride-2 layers map 224 to a 28x28 feature map.
const Stride = 2

// Channels of the final feature map.
const Channels = 8

func fill(n int, seed float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(seed+float64(i)*0.731) * 0.5)
	}
	return out
}

func conv(params checkpoint.Params, idx string, out, in, k int, seed float64) {
	params["features.conv"+idx+".weight"] = checkpoint.Param{Shape: []int{out, in, k, k}, Data: fill(out*in*k*k, seed)}
	params["features.conv"+idx+".bias"] = checkpoint.Param{Shape: []int{out}, Data: fill(out, seed+1)}
}

// Params returns a three-layer conv extractor and a two-class head.
func Params() checkpoint.Params {
	params := checkpoint.Params{}
	conv(params, "0", 4, 3, 3, 0.1)
	conv(params, "1", 6, 4, 3, 1.7)
	conv(params, "2", Channels, 6, 3, 2.9)
	params["classifier.weight"] = checkpoint.Param{Shape: []int{2, Channels}, Data: fill(2*Channels, 4.3)}
	params["classifier.bias"] = checkpoint.Param{Shape: []int{2}, Data: []float32{0.05, -0.05}}
	return params
}

// WriteCheckpoint stores Params in dir and returns its path. ext selects the
// format (".safetensors" or ".json").
func WriteCheckpoint(t *testing.T, dir, ext string, nested bool) string {
	t.Helper()
	name := "bare"
	if nested {
		name = "nested"
	}
	path := filepath.Join(dir, name+ext)
	write := checkpoint.WriteSafetensors
	if ext == ".json" {
		write = checkpoint.WriteJSON
	}
	if err := write(path, Params(), nested); err != nil {
		t.Fatal(err)
	}
	return path
}
