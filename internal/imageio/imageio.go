// Package imageio loads images from disk and turns them into the normalized
// 224x224 input the classifier expects.
package imageio

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

// Size is the canonical side length of the classifier input and the overlay.
const Size = 224

var (
	// ErrInputNotFound is returned when the image path is not a readable file.
	ErrInputNotFound = errors.New("input image not found")
	// ErrUndecodable is returned for files that are not a supported image.
	ErrUndecodable = errors.New("unsupported image format")
)

// ImageNet channel statistics, RGB order.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Check reports ErrInputNotFound unless path is an existing regular file.
func Check(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrInputNotFound, path)
	}
	return nil
}

// Load decodes the image at path.
func Load(path string) (image.Image, error) {
	if err := Check(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInputNotFound, path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUndecodable, path, err)
	}
	return img, nil
}

// Resize scales img to Size x Size. The overlay uses the same policy so it
// lines up with what the classifier saw.
func Resize(img image.Image) image.Image {
	return resize.Resize(Size, Size, img, resize.Bilinear)
}

// Preprocess resizes img and converts it to a CHW tensor normalized with the
// ImageNet mean and standard deviation.
func Preprocess(img image.Image) tensor.Tensor {
	resized := Resize(img)
	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	t := tensor.New(3, height, width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rgb := [3]uint32{r, g, b}
			for c := 0; c < 3; c++ {
				v := float32(rgb[c]) / 65535.0
				t.Set(c, y, x, (v-Mean[c])/Std[c])
			}
		}
	}
	return t
}
