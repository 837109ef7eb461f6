package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Volume represents a 3D or 4D image volume with its spatial transform
type Volume struct {
	// Data is the voxel data as a 1D array with x varying fastest,
	// then y, z and finally the 4th (measurement) axis
	Data []float64

	// Shape holds the size of each axis; len(Shape) is 3 or 4
	Shape []int

	// Affine maps voxel indices (i, j, k, 1) to physical coordinates in mm
	Affine *mat.Dense
}

// NewVolume allocates a zero-filled volume of the given shape.
// A nil affine is replaced by the identity.
func NewVolume(shape []int, affine *mat.Dense) *Volume {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if affine == nil {
		affine = IdentityAffine()
	}
	return &Volume{
		Data:   make([]float64, n),
		Shape:  append([]int(nil), shape...),
		Affine: affine,
	}
}

// IdentityAffine returns a 4x4 identity transform
func IdentityAffine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		a.Set(i, i, 1)
	}
	return a
}

// Len returns the total number of samples in the volume
func (v *Volume) Len() int {
	n := 1
	for _, s := range v.Shape {
		n *= s
	}
	return n
}

// SpatialShape returns the first three axis sizes
func (v *Volume) SpatialShape() [3]int {
	var s [3]int
	for i := 0; i < 3; i++ {
		s[i] = 1
		if i < len(v.Shape) {
			s[i] = v.Shape[i]
		}
	}
	return s
}

// SpatialLen returns the number of voxels in one 3D frame
func (v *Volume) SpatialLen() int {
	s := v.SpatialShape()
	return s[0] * s[1] * s[2]
}

// Frames returns the size of the 4th axis, or 1 for 3D volumes
func (v *Volume) Frames() int {
	if len(v.Shape) < 4 {
		return 1
	}
	n := 1
	for _, s := range v.Shape[3:] {
		n *= s
	}
	return n
}

// Index returns the flat offset of voxel (x, y, z) in frame t
func (v *Volume) Index(x, y, z, t int) int {
	s := v.SpatialShape()
	return ((t*s[2]+z)*s[1]+y)*s[0] + x
}

// At returns the value of voxel (x, y, z) in frame t
func (v *Volume) At(x, y, z, t int) float64 {
	return v.Data[v.Index(x, y, z, t)]
}

// Validate checks that the data length agrees with the shape
func (v *Volume) Validate() error {
	if len(v.Shape) < 1 || len(v.Shape) > 7 {
		return fmt.Errorf("volume has %d dimensions, want 1..7", len(v.Shape))
	}
	for i, s := range v.Shape {
		if s <= 0 {
			return fmt.Errorf("axis %d has non-positive size %d", i, s)
		}
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume data has %d samples, shape %v needs %d", len(v.Data), v.Shape, v.Len())
	}
	if v.Affine != nil {
		if r, c := v.Affine.Dims(); r != 4 || c != 4 {
			return fmt.Errorf("affine is %dx%d, want 4x4", r, c)
		}
	}
	return nil
}

// WithAffine returns a shallow copy of the volume carrying a copy of the given transform
func (v *Volume) WithAffine(affine *mat.Dense) *Volume {
	out := *v
	out.Affine = mat.DenseCopyOf(affine)
	return &out
}
