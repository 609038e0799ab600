package app

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/Brownie44l1/bcd-api/internal/checkpoint"
	"github.com/Brownie44l1/bcd-api/internal/config"
	"github.com/Brownie44l1/bcd-api/internal/device"
	"github.com/Brownie44l1/bcd-api/internal/model/modeltest"
)

func TestNewConv(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ModelPath:  modeltest.WriteCheckpoint(t, dir, ".json", false),
		Extractor:  "conv",
		ConvStride: modeltest.Stride,
		UseCUDA:    true,
		OutputPath: filepath.Join(dir, "out.png"),
	}
	a, err := New(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.Device.Kind != device.CPU {
		t.Fatal("The pure-Go extractor always runs on the CPU")
	}
	if a.Predictor.OutputPath() != cfg.OutputPath {
		t.Fatalf("Output path not threaded through: %q", a.Predictor.OutputPath())
	}
}

func TestNewIncompatibleCheckpoint(t *testing.T) {
	dir := t.TempDir()
	params := modeltest.Params()
	delete(params, "classifier.bias")
	path := filepath.Join(dir, "broken.safetensors")
	if err := checkpoint.WriteSafetensors(path, params, false); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{ModelPath: path, Extractor: "conv", ConvStride: 2, OutputPath: "out.png"}
	if _, err := New(cfg, zap.NewNop().Sugar()); !errors.Is(err, checkpoint.ErrIncompatible) {
		t.Fatalf("Expected ErrIncompatible, got %v", err)
	}
}
