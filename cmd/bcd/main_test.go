package main

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/bcd-api/internal/imageio"
	"github.com/Brownie44l1/bcd-api/internal/model/modeltest"
)

func execute(args ...string) (string, string, error) {
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunMissingArgument(t *testing.T) {
	stdout, stderr, err := execute("run")
	if err == nil {
		t.Fatal("Missing image path must fail")
	}
	if !strings.Contains(stdout+stderr, "Usage:") {
		t.Fatalf("Usage must be printed, got %q / %q", stdout, stderr)
	}
}

func TestRunMissingFile(t *testing.T) {
	_, _, err := execute("run", filepath.Join(t.TempDir(), "missing.png"))
	if !errors.Is(err, imageio.ErrInputNotFound) {
		t.Fatalf("Expected ErrInputNotFound, got %v", err)
	}
	var buf bytes.Buffer
	printError(&buf, err)
	if buf.String() != "Error: Image file not found.\n" {
		t.Fatalf("Unexpected message %q", buf.String())
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 13)
	}
	imgPath := filepath.Join(dir, "scan.png")
	f, err := os.Create(imgPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	out := filepath.Join(dir, "overlay.png")
	stdout, _, err := execute("run", imgPath,
		"--model-path", modeltest.WriteCheckpoint(t, dir, ".safetensors", false),
		"--extractor", "conv",
		"--output-path", out,
		"--log-level", "error")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "Prediction: ") {
		t.Fatalf("Unexpected output %q", stdout)
	}
	if lines[1] != "Heatmap saved at: "+out {
		t.Fatalf("Unexpected heatmap line %q", lines[1])
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatal("Overlay not written")
	}

	stdout, _, err = execute("run", imgPath,
		"--model-path", modeltest.WriteCheckpoint(t, dir, ".json", true),
		"--extractor", "conv",
		"--output-path", out,
		"--explain=false",
		"--log-level", "error")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stdout, "Heatmap") || !strings.HasPrefix(stdout, lines[0]) {
		t.Fatalf("Fast path output %q must carry the same prediction and no heatmap", stdout)
	}
}
