// Package checkpoint loads classifier parameters stored as a mapping from
// parameter name to tensor. A checkpoint may keep that mapping under a
// "state_dict" key; the nested form is tried first and the whole file is used
// as the mapping otherwise.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// StateDictKey is the key a nested checkpoint keeps its parameters under.
const StateDictKey = "state_dict"

// ErrIncompatible reports a checkpoint whose parameters do not fit the
// classifier architecture.
var ErrIncompatible = errors.New("checkpoint incompatible with classifier")

// Param is a named weight tensor of arbitrary rank.
type Param struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

func (p Param) numel() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Params maps parameter names to their tensors.
type Params map[string]Param

// Load reads a checkpoint, choosing the decoder by file extension.
func Load(path string) (Params, error) {
	var (
		params Params
		err    error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		params, err = loadSafetensors(path)
	case ".json":
		params, err = loadJSON(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	for name, p := range params {
		if p.numel() != len(p.Data) {
			return nil, fmt.Errorf("%w: parameter %s has shape %v but %d values", ErrIncompatible, name, p.Shape, len(p.Data))
		}
	}
	return params, nil
}

// Expect returns the data of the named parameter, failing with
// ErrIncompatible when it is missing or its shape differs from shape.
func (p Params) Expect(name string, shape ...int) ([]float32, error) {
	param, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing parameter %s", ErrIncompatible, name)
	}
	if !equalShape(param.Shape, shape) {
		return nil, fmt.Errorf("%w: parameter %s has shape %v, expected %v", ErrIncompatible, name, param.Shape, shape)
	}
	return param.Data, nil
}

// Shape returns the shape of the named parameter.
func (p Params) Shape(name string) ([]int, bool) {
	param, ok := p[name]
	if !ok {
		return nil, false
	}
	return param.Shape, true
}

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
