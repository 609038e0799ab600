package tensor

import "fmt"

// Tensor is a single-sample CHW float32 tensor stored row-major.
type Tensor struct {
	C, H, W int
	Data    []float32
}

func New(c, h, w int) Tensor {
	return Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(c, h, w int, data []float32) (Tensor, error) {
	if c <= 0 || h <= 0 || w <= 0 {
		return Tensor{}, fmt.Errorf("invalid tensor shape (%d, %d, %d)", c, h, w)
	}
	if len(data) != c*h*w {
		return Tensor{}, fmt.Errorf("tensor shape (%d, %d, %d) needs %d values, got %d", c, h, w, c*h*w, len(data))
	}
	return Tensor{C: c, H: h, W: w, Data: data}, nil
}

func (t Tensor) Empty() bool { return len(t.Data) == 0 }

func (t Tensor) Plane() int { return t.H * t.W }

func (t Tensor) Index(c, y, x int) int { return c*t.H*t.W + y*t.W + x }

func (t Tensor) At(c, y, x int) float32 { return t.Data[t.Index(c, y, x)] }

func (t Tensor) Set(c, y, x int, v float32) { t.Data[t.Index(c, y, x)] = v }

// Channel returns the HxW plane of channel c, sharing memory with t.
func (t Tensor) Channel(c int) []float32 {
	p := t.Plane()
	return t.Data[c*p : (c+1)*p]
}

func (t Tensor) Clone() Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return Tensor{C: t.C, H: t.H, W: t.W, Data: d}
}

func (t Tensor) SameShape(o Tensor) bool {
	return t.C == o.C && t.H == o.H && t.W == o.W
}

func (t Tensor) String() string {
	return fmt.Sprintf("(%d, %d, %d)", t.C, t.H, t.W)
}
