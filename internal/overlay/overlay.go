// Package overlay renders a saliency map as a JET-colored heatmap blended onto
// the resized original image.
package overlay

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/Brownie44l1/bcd-api/internal/gradcam"
	"github.com/Brownie44l1/bcd-api/internal/imageio"
)

const (
	Size           = imageio.Size
	OriginalWeight = 0.6
	HeatmapWeight  = 0.4
)

// Composite returns a Size x Size BGR Mat: 0.6 * resized original plus
// 0.4 * colorized heatmap, saturated to 8 bits. The caller must Close it.
func Composite(original image.Image, sal *gradcam.Saliency) (gocv.Mat, error) {
	if sal == nil || sal.H <= 0 || sal.W <= 0 || len(sal.Data) != sal.H*sal.W {
		return gocv.NewMat(), fmt.Errorf("invalid saliency map")
	}

	base, err := gocv.ImageToMatRGB(imageio.Resize(original))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image: %w", err)
	}
	defer base.Close()

	heat, err := Colorize(sal)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer heat.Close()

	out := gocv.NewMat()
	gocv.AddWeighted(base, OriginalWeight, heat, HeatmapWeight, 0, &out)
	return out, nil
}

// Colorize upsamples the map to Size x Size with bilinear interpolation,
// quantizes it to [0, 255] and applies the JET colormap.
func Colorize(sal *gradcam.Saliency) (gocv.Mat, error) {
	small := gocv.NewMatWithSize(sal.H, sal.W, gocv.MatTypeCV32F)
	defer small.Close()
	for y := 0; y < sal.H; y++ {
		for x := 0; x < sal.W; x++ {
			small.SetFloatAt(y, x, sal.At(y, x))
		}
	}

	up := gocv.NewMat()
	defer up.Close()
	gocv.Resize(small, &up, image.Pt(Size, Size), 0, 0, gocv.InterpolationLinear)

	quantized := gocv.NewMat()
	defer quantized.Close()
	up.ConvertToWithParams(&quantized, gocv.MatTypeCV8U, 255, 0)

	colored := gocv.NewMat()
	gocv.ApplyColorMap(quantized, &colored, gocv.ColormapJet)
	if colored.Empty() {
		colored.Close()
		return gocv.NewMat(), fmt.Errorf("failed to colorize saliency map")
	}
	return colored, nil
}

// Save writes m to path, replacing any previous file.
func Save(path string, m gocv.Mat) error {
	if ok := gocv.IMWrite(path, m); !ok {
		return fmt.Errorf("failed to write overlay to %s", path)
	}
	return nil
}

// Render composites and converts the result to an image.Image.
func Render(original image.Image, sal *gradcam.Saliency) (image.Image, error) {
	m, err := Composite(original, sal)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return m.ToImage()
}
