package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"mrimicrofit/internal/models"
)

// Sentinel errors for malformed input.
var (
	ErrNotNifti          = errors.New("not a nifti-1 file")
	ErrUnsupportedFormat = errors.New("unsupported nifti-1 layout")
)

// Load reads a volume from path. Files ending in .gz are gunzipped.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

// Decode reads an uncompressed single-file nifti-1 stream.
func Decode(r io.Reader) (*models.Volume, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	order, ok := byteOrder(raw)
	if !ok || len(raw) < headerSize {
		return nil, ErrNotNifti
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &h); err != nil {
		return nil, err
	}
	if string(h.Magic[:3]) != "n+1" {
		if string(h.Magic[:3]) == "ni1" {
			return nil, fmt.Errorf("%w: header/image pairs are not supported", ErrUnsupportedFormat)
		}
		return nil, ErrNotNifti
	}

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("%w: dim[0]=%d", ErrUnsupportedFormat, ndim)
	}
	shape := make([]int, ndim)
	n := 1
	for i := 0; i < ndim; i++ {
		shape[i] = int(h.Dim[i+1])
		if shape[i] <= 0 {
			return nil, fmt.Errorf("%w: dim[%d]=%d", ErrUnsupportedFormat, i+1, shape[i])
		}
		n *= shape[i]
	}

	size := bytesPerVoxel(h.DataType)
	if size == 0 {
		return nil, fmt.Errorf("%w: datatype %d", ErrUnsupportedFormat, h.DataType)
	}
	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = voxOffset
	}
	if len(raw) < offset+n*size {
		return nil, fmt.Errorf("%w: truncated voxel data (have %d bytes, want %d)",
			ErrUnsupportedFormat, len(raw)-offset, n*size)
	}

	data := make([]float64, n)
	decodeVoxels(data, raw[offset:offset+n*size], h.DataType, order)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && !(slope == 1 && inter == 0) {
		if math.IsNaN(inter) {
			inter = 0
		}
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &models.Volume{Data: data, Shape: shape, Affine: h.affine()}, nil
}

func decodeVoxels(dst []float64, src []byte, datatype int16, order binary.ByteOrder) {
	for i := range dst {
		switch datatype {
		case DTUint8:
			dst[i] = float64(src[i])
		case DTInt8:
			dst[i] = float64(int8(src[i]))
		case DTInt16:
			dst[i] = float64(int16(order.Uint16(src[2*i:])))
		case DTUint16:
			dst[i] = float64(order.Uint16(src[2*i:]))
		case DTInt32:
			dst[i] = float64(int32(order.Uint32(src[4*i:])))
		case DTUint32:
			dst[i] = float64(order.Uint32(src[4*i:]))
		case DTFloat32:
			dst[i] = float64(math.Float32frombits(order.Uint32(src[4*i:])))
		case DTFloat64:
			dst[i] = math.Float64frombits(order.Uint64(src[8*i:]))
		case DTInt64:
			dst[i] = float64(int64(order.Uint64(src[8*i:])))
		case DTUint64:
			dst[i] = float64(order.Uint64(src[8*i:]))
		}
	}
}

// Save writes the volume as float64 voxels with its affine stored in the
// sform. Paths ending in .gz are gzip compressed.
func Save(path string, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	err = Encode(w, vol)
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Encode writes an uncompressed little-endian nifti-1 stream.
func Encode(w io.Writer, vol *models.Volume) error {
	if len(vol.Shape) > 7 {
		return fmt.Errorf("%w: %d dimensions", ErrUnsupportedFormat, len(vol.Shape))
	}

	var h header
	h.SizeOfHdr = headerSize
	h.Dim[0] = int16(len(vol.Shape))
	for i := 1; i < 8; i++ {
		h.Dim[i] = 1
		h.PixDim[i] = 1
	}
	for i, s := range vol.Shape {
		if s > math.MaxInt16 {
			return fmt.Errorf("%w: axis %d has %d samples", ErrUnsupportedFormat, i, s)
		}
		h.Dim[i+1] = int16(s)
	}
	h.DataType = DTFloat64
	h.BitPix = 64
	h.VoxOffset = voxOffset
	h.SclSlope = 1
	h.XYZTUnits = 2 | 8 // mm, s
	affine := vol.Affine
	if affine == nil {
		affine = models.IdentityAffine()
	}
	h.setAffine(affine)
	copy(h.Magic[:], "n+1\x00")

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write(make([]byte, voxOffset-headerSize)); err != nil {
		return err
	}

	buf := make([]byte, 8*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	_, err := w.Write(buf)
	return err
}
