// Package nifti reads and writes single-file NIfTI-1 volumes (.nii, .nii.gz).
//
// Based on the nifti1 header definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	headerSize = 348
	voxOffset  = 352
)

// Datatype codes (NIFTI_TYPE_*).
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
	DTInt64   = 1024
	DTUint64  = 1280
)

// Transform codes (NIFTI_XFORM_*).
const (
	xformUnknown     = 0
	xformScannerAnat = 1
	xformAlignedAnat = 2
)

// header mirrors the on-disk nifti1 header.
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  uint8
type header struct {
	SizeOfHdr      int32    // Must be 348
	UnusedDataType [10]byte // Unused
	UnusedDbName   [18]byte // Unused
	UnusedExtents  int32    // Unused
	UnusedSession  int16    // Unused
	UnusedRegular  byte     // Unused
	DimInfo        byte     // MRI slice ordering

	Dim        [8]int16   // Data array dimensions
	IntentP1   float32    // 1st intent parameter
	IntentP2   float32    // 2nd intent parameter
	IntentP3   float32    // 3rd intent parameter
	IntentCode int16      // NIFTI_INTENT_* code
	DataType   int16      // Defines data type
	BitPix     int16      // Number bits/voxel
	SliceStart int16      // First slice index
	PixDim     [8]float32 // Grid spacing
	VoxOffset  float32    // Offset into .nii file
	SclSlope   float32    // Data scaling: slope
	SclInter   float32    // Data scaling: offset
	SliceEnd   int16      // Last slice index
	SliceCode  byte       // Slice timing order
	XYZTUnits  byte       // Units of pixdim[1..4]
	CalMax     float32    // Max display intensity
	CalMin     float32    // Min display intensity
	SliceDur   float32    // Time for 1 slice
	TOffset    float32    // Time axis shift
	UnusedGlmx int32      // Unused
	UnusedGlmn int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0" for single-file images
}

// byteOrder picks the header endianness from the sizeof_hdr field.
func byteOrder(raw []byte) (binary.ByteOrder, bool) {
	if len(raw) < 4 {
		return nil, false
	}
	if binary.LittleEndian.Uint32(raw) == headerSize {
		return binary.LittleEndian, true
	}
	if binary.BigEndian.Uint32(raw) == headerSize {
		return binary.BigEndian, true
	}
	return nil, false
}

func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt32, DTUint32, DTFloat32:
		return 4
	case DTFloat64, DTInt64, DTUint64:
		return 8
	}
	return 0
}

// affine returns the voxel-to-world transform, preferring sform over qform
// and falling back to plain voxel spacing.
func (h *header) affine() *mat.Dense {
	if h.SFormCode > xformUnknown {
		a := mat.NewDense(4, 4, nil)
		for j := 0; j < 4; j++ {
			a.Set(0, j, float64(h.SRowX[j]))
			a.Set(1, j, float64(h.SRowY[j]))
			a.Set(2, j, float64(h.SRowZ[j]))
		}
		a.Set(3, 3, 1)
		return a
	}
	if h.QFormCode > xformUnknown {
		return h.qformAffine()
	}
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		a.Set(i, i, spacing(h.PixDim[i+1]))
	}
	a.Set(3, 3, 1)
	return a
}

func (h *header) qformAffine() *mat.Dense {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// b, c, d describe a 180 degree rotation; renormalise them
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dx := spacing(h.PixDim[1])
	dy := spacing(h.PixDim[2])
	dz := spacing(h.PixDim[3])
	if h.PixDim[0] < 0 {
		dz = -dz
	}

	r := mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ),
		0, 0, 0, 1,
	})
	return r
}

func spacing(p float32) float64 {
	if p <= 0 {
		return 1
	}
	return float64(p)
}

// setAffine stores the transform as an aligned sform and records voxel
// spacing from the column norms.
func (h *header) setAffine(a *mat.Dense) {
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(a.At(0, j))
		h.SRowY[j] = float32(a.At(1, j))
		h.SRowZ[j] = float32(a.At(2, j))
	}
	h.SFormCode = xformAlignedAnat
	h.QFormCode = xformUnknown
	h.PixDim[0] = 1
	for j := 0; j < 3; j++ {
		col := mat.Col(nil, j, a.Slice(0, 3, 0, 4))
		h.PixDim[j+1] = float32(math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2]))
	}
}
