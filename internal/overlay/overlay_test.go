package overlay

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/bcd-api/internal/gradcam"
	"github.com/Brownie44l1/bcd-api/internal/imageio"
)

func uniformSaliency(h, w int, v float32) *gradcam.Saliency {
	s := &gradcam.Saliency{H: h, W: w, Data: make([]float32, h*w)}
	for i := range s.Data {
		s.Data[i] = v
	}
	return s
}

func blackImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d >= -1 && d <= 1
}

func TestRenderShape(t *testing.T) {
	sal := uniformSaliency(7, 7, 0.5)
	for _, dims := range [][2]int{{1000, 800}, {50, 50}} {
		img, err := Render(blackImage(dims[0], dims[1]), sal)
		if err != nil {
			t.Fatal(err)
		}
		b := img.Bounds()
		if b.Dx() != Size || b.Dy() != Size {
			t.Fatalf("%dx%d input gave %dx%d overlay", dims[0], dims[1], b.Dx(), b.Dy())
		}
	}
}

func TestRenderColors(t *testing.T) {
	// JET maps 0 to dark blue (0, 0, 128) and 255 to dark red (128, 0, 0);
	// blended with black at 0.4 that leaves about 51 in one channel.
	cases := []struct {
		name    string
		v       float32
		r, g, b uint8
	}{
		{"cool", 0, 0, 0, 51},
		{"hot", 1, 51, 0, 0},
	}
	for _, c := range cases {
		img, err := Render(blackImage(64, 64), uniformSaliency(4, 4, c.v))
		if err != nil {
			t.Fatal(err)
		}
		px := color.RGBAModel.Convert(img.At(100, 100)).(color.RGBA)
		if !near(px.R, c.r) || !near(px.G, c.g) || !near(px.B, c.b) {
			t.Fatalf("%s: got %v, want (%d, %d, %d)", c.name, px, c.r, c.g, c.b)
		}
	}
}

func TestRenderKeepsOriginal(t *testing.T) {
	white := image.NewRGBA(image.Rect(0, 0, 30, 30))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	img, err := Render(white, uniformSaliency(2, 2, 1))
	if err != nil {
		t.Fatal(err)
	}
	px := color.RGBAModel.Convert(img.At(10, 10)).(color.RGBA)
	// 0.6*255 + 0.4*128 = 204.2 in red, 153 elsewhere
	if !near(px.R, 204) || !near(px.G, 153) || !near(px.B, 153) {
		t.Fatalf("Unexpected blend %v", px)
	}
}

func TestCompositeRejectsInvalidMap(t *testing.T) {
	m, err := Composite(blackImage(10, 10), &gradcam.Saliency{H: 2, W: 2, Data: []float32{1}})
	defer m.Close()
	if err == nil {
		t.Fatal("Map with wrong data length must be rejected")
	}
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output_with_heatmap.png")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Composite(blackImage(80, 40), uniformSaliency(7, 7, 0.3))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := Save(path, m); err != nil {
		t.Fatal(err)
	}
	img, err := imageio.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != Size || img.Bounds().Dy() != Size {
		t.Fatalf("Saved overlay has size %v", img.Bounds())
	}
}
