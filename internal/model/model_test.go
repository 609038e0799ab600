package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/Brownie44l1/bcd-api/internal/capture"
	"github.com/Brownie44l1/bcd-api/internal/checkpoint"
	"github.com/Brownie44l1/bcd-api/internal/device"
	"github.com/Brownie44l1/bcd-api/internal/model/modeltest"
	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

func testInput() tensor.Tensor {
	x := tensor.New(3, 224, 224)
	for i := range x.Data {
		x.Data[i] = float32(math.Cos(float64(i) * 0.01))
	}
	return x
}

func loadConv(t *testing.T, path string) *Classifier {
	t.Helper()
	m, err := Load(Options{ModelPath: path, Extractor: ExtractorConv, ConvStride: modeltest.Stride},
		device.Device{Kind: device.CPU, Threads: 1}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCheckpointFormatsAgree(t *testing.T) {
	dir := t.TempDir()
	var want []float32
	for _, ext := range []string{".safetensors", ".json"} {
		for _, nested := range []bool{false, true} {
			m := loadConv(t, modeltest.WriteCheckpoint(t, dir, ext, nested))
			out, err := m.Forward(testInput(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if want == nil {
				want = out.Logits
				continue
			}
			for i := range want {
				if out.Logits[i] != want[i] {
					t.Fatalf("%s nested=%v: logits %v differ from %v", ext, nested, out.Logits, want)
				}
			}
		}
	}
}

func TestLoadRejectsMismatchedHead(t *testing.T) {
	params := modeltest.Params()
	params["classifier.weight"] = checkpoint.Param{Shape: []int{2, 7}, Data: make([]float32, 14)}
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	if err := checkpoint.WriteSafetensors(path, params, true); err != nil {
		t.Fatal(err)
	}
	_, err := Load(Options{ModelPath: path, Extractor: ExtractorConv, ConvStride: 2}, device.Device{}, zap.NewNop().Sugar())
	if !errors.Is(err, checkpoint.ErrIncompatible) {
		t.Fatalf("Expected ErrIncompatible, got %v", err)
	}
}

func TestConvRejectsChannelMismatch(t *testing.T) {
	params := modeltest.Params()
	params["features.conv1.weight"] = checkpoint.Param{Shape: []int{6, 5, 3, 3}, Data: make([]float32, 6*5*9)}
	if _, err := NewConvExtractor(params, 2); !errors.Is(err, checkpoint.ErrIncompatible) {
		t.Fatalf("Expected ErrIncompatible, got %v", err)
	}
	if _, err := NewConvExtractor(checkpoint.Params{}, 2); !errors.Is(err, checkpoint.ErrIncompatible) {
		t.Fatalf("Empty checkpoint must be incompatible, got %v", err)
	}
}

func TestFeatureShape(t *testing.T) {
	e, err := NewConvExtractor(modeltest.Params(), modeltest.Stride)
	if err != nil {
		t.Fatal(err)
	}
	f, err := e.Features(testInput())
	if err != nil {
		t.Fatal(err)
	}
	if f.C != modeltest.Channels || f.H != 28 || f.W != 28 {
		t.Fatalf("Expected (8, 28, 28) feature map, got %s", f)
	}
}

func TestHeadGradientMatchesFiniteDifference(t *testing.T) {
	params := modeltest.Params()
	head, err := NewHead(params, modeltest.Channels)
	if err != nil {
		t.Fatal(err)
	}
	f := tensor.New(modeltest.Channels, 3, 3)
	for i := range f.Data {
		f.Data[i] = float32(math.Sin(float64(i))) + 0.1
	}
	for class := 0; class < 2; class++ {
		grad, err := head.Gradient(f, class)
		if err != nil {
			t.Fatal(err)
		}
		for i := range f.Data {
			const eps = 1e-2
			orig := f.Data[i]
			f.Data[i] = orig + eps
			hi, _ := head.Forward(f)
			f.Data[i] = orig - eps
			lo, _ := head.Forward(f)
			f.Data[i] = orig
			if math.Abs(float64(orig)) <= eps {
				continue
			}
			num := (hi[class] - lo[class]) / (2 * eps)
			if math.Abs(float64(num-grad.Data[i])) > 1e-3 {
				t.Fatalf("class %d, index %d: analytic %v, numeric %v", class, i, grad.Data[i], num)
			}
		}
	}
	if _, err := head.Gradient(f, 2); err == nil {
		t.Fatal("Out of range class must be rejected")
	}
}

func TestForwardBackwardCapture(t *testing.T) {
	m := loadConv(t, modeltest.WriteCheckpoint(t, t.TempDir(), ".safetensors", false))
	c := capture.New()
	out, err := m.Forward(testInput(), c)
	if err != nil {
		t.Fatal(err)
	}
	if p := out.Predicted(); p != 0 && p != 1 {
		t.Fatalf("Prediction %d outside the vocabulary", p)
	}
	if err := m.Backward(out, out.Predicted(), c); err != nil {
		t.Fatal(err)
	}
	act, grad, err := c.Pair()
	if err != nil {
		t.Fatal(err)
	}
	if !act.SameShape(grad) || act.C != modeltest.Channels {
		t.Fatalf("Unexpected captured shapes %s / %s", act, grad)
	}
	if err := m.Backward(nil, 0, c); !errors.Is(err, capture.ErrCaptureOrder) {
		t.Fatalf("Backward without forward must fail, got %v", err)
	}
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float32{1, 1})
	if p[0] != 0.5 || p[1] != 0.5 {
		t.Fatalf("Wrong softmax: %v", p)
	}
	p = Softmax([]float32{1000, 0})
	if p[0] != 1 || math.IsNaN(float64(p[1])) {
		t.Fatalf("Softmax must be stable for large logits: %v", p)
	}
	if Label(1) != "Malignant (cancerous)" || Label(5) != "unknown" {
		t.Fatal("Wrong label lookup")
	}
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	body := `{"input_shape":[1,3,224,224],"feature_shape":[1,1024,7,7],"classes":["a","b"],"image_size":224}`
	if err := os.WriteFile(good, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	md, err := LoadMetadata(good)
	if err != nil {
		t.Fatal(err)
	}
	if md.InputName != "input" || md.OutputName != "features" {
		t.Fatalf("Default IO names not applied: %+v", md)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"input_shape":[3,224,224],"feature_shape":[1,1024,7,7]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMetadata(bad); err == nil {
		t.Fatal("Non-NCHW shapes must be rejected")
	}
}

func TestNewONNXExtractorMetadataErrors(t *testing.T) {
	dir := t.TempDir()
	dev := device.Device{Kind: device.CPU, Threads: 1}
	if _, err := NewONNXExtractor("features.onnx", filepath.Join(dir, "missing.json"), dev, zap.NewNop().Sugar()); err == nil {
		t.Fatal("Missing metadata must fail")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"input_shape": [1, 3, 224`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewONNXExtractor("features.onnx", bad, dev, zap.NewNop().Sugar()); err == nil {
		t.Fatal("Malformed metadata must fail")
	}

	twoBatch := filepath.Join(dir, "batch.json")
	body := `{"input_shape":[2,3,224,224],"feature_shape":[2,1024,7,7],"classes":["a","b"]}`
	if err := os.WriteFile(twoBatch, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewONNXExtractor("features.onnx", twoBatch, dev, zap.NewNop().Sugar()); err == nil {
		t.Fatal("Batch sizes other than 1 must be rejected")
	}
}

func TestONNXExtractorRejectsInputShape(t *testing.T) {
	e := &ONNXExtractor{inputShape: [3]int{3, 224, 224}, featureShape: [3]int{1024, 7, 7}}
	if e.Channels() != 1024 {
		t.Fatalf("Unexpected channel count %d", e.Channels())
	}
	for _, in := range []tensor.Tensor{tensor.New(3, 112, 112), tensor.New(1, 224, 224), {}} {
		if _, err := e.Features(in); err == nil {
			t.Fatalf("Input %s must be rejected", in)
		}
	}
}
