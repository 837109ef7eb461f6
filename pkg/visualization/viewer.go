// Package visualization renders quick-look previews of parameter maps.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"mrimicrofit/internal/models"
)

// Axes are the slicing axes in preview order.
var Axes = []string{"x", "y", "z"}

// Viewer slices one frame of a volume into grayscale images
type Viewer struct {
	// frame holds the 3D data being viewed
	frame []float64

	// dimensions of the frame
	width  int
	height int
	depth  int

	// lo and hi are the finite intensity range mapped to black and white
	lo float64
	hi float64
}

// NewViewer creates a viewer over frame t of vol. The display range is the
// finite min/max of that frame.
func NewViewer(vol *models.Volume, t int) (*Viewer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if t < 0 || t >= vol.Frames() {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", t, vol.Frames())
	}
	s := vol.SpatialShape()
	n := vol.SpatialLen()
	frame := vol.Data[t*n : (t+1)*n]

	finite := make([]float64, 0, n)
	for _, v := range frame {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	lo, hi := 0.0, 0.0
	if len(finite) > 0 {
		lo, hi = floats.Min(finite), floats.Max(finite)
	}

	return &Viewer{
		frame:  frame,
		width:  s[0],
		height: s[1],
		depth:  s[2],
		lo:     lo,
		hi:     hi,
	}, nil
}

// Range returns the display range.
func (v *Viewer) Range() (lo, hi float64) { return v.lo, v.hi }

func (v *Viewer) gray(val float64) color.Gray16 {
	if math.IsNaN(val) || v.hi <= v.lo {
		return color.Gray16{}
	}
	scaled := (val - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D slice from the frame along the specified axis.
// Rows run from the top of the image down, so the second in-plane axis is
// flipped to put anterior/superior up.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.height, v.depth))
		for z := 0; z < v.depth; z++ {
			for y := 0; y < v.height; y++ {
				idx := z*v.width*v.height + y*v.width + position
				img.SetGray16(y, v.depth-1-z, v.gray(v.frame[idx]))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := z*v.width*v.height + position*v.width + x
				img.SetGray16(x, v.depth-1-z, v.gray(v.frame[idx]))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := position*v.width*v.height + y*v.width + x
				img.SetGray16(x, v.height-1-y, v.gray(v.frame[idx]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveMidSlices writes the middle slice along each axis to
// <outputDir>/<stem>_<axis>.png and returns the written paths.
func (v *Viewer) SaveMidSlices(outputDir, stem string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	mid := map[string]int{"x": v.width / 2, "y": v.height / 2, "z": v.depth / 2}
	paths := make([]string, 0, len(Axes))
	for _, axis := range Axes {
		img, err := v.ExtractSlice(axis, mid[axis])
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", stem, axis))
		if err := SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}

// Preview writes mid-slice previews of the first frame of vol.
func Preview(vol *models.Volume, outputDir, stem string) ([]string, error) {
	v, err := NewViewer(vol, 0)
	if err != nil {
		return nil, err
	}
	return v.SaveMidSlices(outputDir, stem)
}
