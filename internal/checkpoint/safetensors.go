package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/nlpodyssey/safetensors"
)

const nestedPrefix = StateDictKey + "."

func loadSafetensors(path string) (Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	st, err := safetensors.Deserialize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIncompatible, path, err)
	}

	names := st.Names()
	nested := false
	for _, name := range names {
		if strings.HasPrefix(name, nestedPrefix) {
			nested = true
			break
		}
	}

	params := make(Params, len(names))
	for _, key := range names {
		name := key
		if nested {
			if !strings.HasPrefix(key, nestedPrefix) {
				continue
			}
			name = strings.TrimPrefix(key, nestedPrefix)
		}
		view, ok := st.Tensor(key)
		if !ok {
			return nil, fmt.Errorf("tensor %s listed but missing", key)
		}
		p, err := decodeView(view)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		params[name] = p
	}
	return params, nil
}

func decodeView(view safetensors.TensorView) (Param, error) {
	shape := make([]int, len(view.Shape()))
	numel := 1
	for i, d := range view.Shape() {
		shape[i] = int(d)
		numel *= int(d)
	}

	buf := view.Data()
	var size int
	switch view.DType() {
	case safetensors.F32:
		size = 4
	case safetensors.F16, safetensors.BF16:
		size = 2
	default:
		return Param{}, fmt.Errorf("unsupported dtype %s", view.DType())
	}
	if len(buf) != numel*size {
		return Param{}, fmt.Errorf("%w: shape %v needs %d bytes, got %d", ErrIncompatible, shape, numel*size, len(buf))
	}

	out := make([]float32, numel)
	for i := range out {
		switch view.DType() {
		case safetensors.F32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		case safetensors.F16:
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		case safetensors.BF16:
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
		}
	}
	return Param{Shape: shape, Data: out}, nil
}

func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalize
		for frac&0x400 == 0 {
			frac <<= 1
			exp--
		}
		exp++
		frac &= 0x3ff
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

// WriteSafetensors stores params as an F32 safetensors file. With nested set
// every name is prefixed with "state_dict.".
func WriteSafetensors(path string, params Params, nested bool) error {
	views := make(map[string]safetensors.TensorView, len(params))
	for _, name := range params.Names() {
		p := params[name]
		data := make([]byte, 4*len(p.Data))
		for i, v := range p.Data {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
		shape := make([]uint64, len(p.Shape))
		for i, d := range p.Shape {
			shape[i] = uint64(d)
		}
		view, err := safetensors.NewTensorView(safetensors.F32, shape, data)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		key := name
		if nested {
			key = nestedPrefix + name
		}
		views[key] = view
	}

	out, err := safetensors.Serialize(views, nil)
	if err != nil {
		return fmt.Errorf("failed to encode safetensors: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
