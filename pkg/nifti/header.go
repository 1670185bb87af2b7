// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Only the subset needed for segmentation is supported: 2D or 3D scalar
// volumes (a fourth dimension of length one is accepted), the common integer
// and floating point datatypes, scl_slope/scl_inter scaling and pixdim voxel
// sizes. Label images written against a reference header keep its qform,
// sform, pixdim and units.
package nifti

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidImage reports a malformed or unsupported NIfTI file.
var ErrInvalidImage = errors.New("invalid nifti image")

const (
	headerSize = 348
	// voxOffset leaves room for the four-byte extension flag after the header.
	voxOffset = 352
)

// Datatype codes from nifti1.h.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// units: millimetres, seconds
const xyztMMSec = 2 | 8

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

// Header is the on-disk NIfTI-1 header. Field order and sizes match nifti1.h.
type Header struct {
	SizeOfHdr          int32
	UnusedDataType     [10]byte
	UnusedDbName       [18]byte
	UnusedExtents      int32
	UnusedSessionError int16
	UnusedRegular      byte
	DimInfo            byte

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	UnusedGlmax   int32
	UnusedGlmin   int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte

	Magic [4]byte
}

// Description returns the descrip field as a string.
func (h *Header) Description() string {
	return strings.TrimRight(string(h.Descrip[:]), "\x00")
}

// SetDescription stores s, truncated to 79 bytes.
func (h *Header) SetDescription(s string) {
	h.Descrip = [80]byte{}
	if len(s) > 79 {
		s = s[:79]
	}
	copy(h.Descrip[:], s)
}

// Shape returns nx, ny, nz. A 2D image has nz == 1.
func (h *Header) Shape() (int, int, int, error) {
	ndim := int(h.Dim[0])
	if ndim < 2 || ndim > 7 {
		return 0, 0, 0, fmt.Errorf("%w: dim[0] = %d", ErrInvalidImage, ndim)
	}
	size := [3]int{1, 1, 1}
	for i := 0; i < ndim && i < 3; i++ {
		size[i] = int(h.Dim[i+1])
		if size[i] < 1 {
			return 0, 0, 0, fmt.Errorf("%w: dim[%d] = %d", ErrInvalidImage, i+1, size[i])
		}
	}
	for i := 4; i <= ndim; i++ {
		if h.Dim[i] > 1 {
			return 0, 0, 0, fmt.Errorf("%w: only scalar volumes are supported, dim[%d] = %d",
				ErrInvalidImage, i, h.Dim[i])
		}
	}
	return size[0], size[1], size[2], nil
}

// bytesPerVoxel returns the storage size for the header's datatype.
func (h *Header) bytesPerVoxel() (int, error) {
	switch h.DataType {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: unsupported datatype %d", ErrInvalidImage, h.DataType)
}

// spacing returns |pixdim[1..3]| with zeros replaced by one.
func (h *Header) spacing() [3]float64 {
	var s [3]float64
	for i := range s {
		v := float64(h.PixDim[i+1])
		if v < 0 {
			v = -v
		}
		if v == 0 {
			v = 1
		}
		s[i] = v
	}
	return s
}

// validate checks the fields every reader relies on.
func (h *Header) validate() error {
	if h.SizeOfHdr != headerSize {
		return fmt.Errorf("%w: sizeof_hdr = %d", ErrInvalidImage, h.SizeOfHdr)
	}
	if h.Magic == magicPair {
		return fmt.Errorf("%w: split .hdr/.img pairs are not supported", ErrInvalidImage)
	}
	if h.Magic != magicSingle {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidImage, h.Magic[:3])
	}
	if _, err := h.bytesPerVoxel(); err != nil {
		return err
	}
	return nil
}

// byteOrder detects the file endianness from sizeof_hdr.
func byteOrder(raw []byte) (binary.ByteOrder, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: file is %d bytes, shorter than a header", ErrInvalidImage, len(raw))
	}
	if binary.LittleEndian.Uint32(raw) == headerSize {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint32(raw) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("%w: cannot infer byte order", ErrInvalidImage)
}

// newHeader fills a header for a freshly written image.
func newHeader(nx, ny, nz int, spacing [3]float64, datatype int16) (*Header, error) {
	for _, n := range []int{nx, ny, nz} {
		if n < 1 || n > 32767 {
			return nil, fmt.Errorf("%w: dimension %d out of range", ErrInvalidImage, n)
		}
	}
	h := &Header{SizeOfHdr: headerSize, DataType: datatype, Magic: magicSingle}
	bpv, err := h.bytesPerVoxel()
	if err != nil {
		return nil, err
	}
	h.BitPix = int16(8 * bpv)
	h.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	h.PixDim = [8]float32{1, float32(spacing[0]), float32(spacing[1]), float32(spacing[2]), 1, 1, 1, 1}
	h.VoxOffset = voxOffset
	h.XYZTUnits = xyztMMSec
	h.SclSlope = 1
	// scanner-anatomical diagonal affine so viewers place the grid sensibly
	h.SFormCode = 1
	h.SRowX = [4]float32{float32(spacing[0]), 0, 0, 0}
	h.SRowY = [4]float32{0, float32(spacing[1]), 0, 0}
	h.SRowZ = [4]float32{0, 0, float32(spacing[2]), 0}
	return h, nil
}

// copyGeometry takes the orientation, voxel sizes and units from ref.
func (h *Header) copyGeometry(ref *Header) {
	h.QFormCode = ref.QFormCode
	h.SFormCode = ref.SFormCode
	h.QuaternB = ref.QuaternB
	h.QuaternC = ref.QuaternC
	h.QuaternD = ref.QuaternD
	h.QOffsetX = ref.QOffsetX
	h.QOffsetY = ref.QOffsetY
	h.QOffsetZ = ref.QOffsetZ
	h.SRowX = ref.SRowX
	h.SRowY = ref.SRowY
	h.SRowZ = ref.SRowZ
	copy(h.PixDim[:4], ref.PixDim[:4])
	h.XYZTUnits = ref.XYZTUnits
}
