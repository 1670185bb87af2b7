package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"brainparcel/internal/models"
)

// Image is a decoded scalar volume together with its header.
type Image struct {
	Header Header
	Volume *models.Volume
}

// ReadFile loads a .nii or .nii.gz file.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return img, nil
}

// Read decodes an image from r. Gzip input is detected from its magic bytes.
func Read(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return decode(zr)
	}
	return decode(br)
}

func decode(r io.Reader) (*Image, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	order, err := byteOrder(raw)
	if err != nil {
		return nil, err
	}

	img := &Image{}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &img.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidImage, err)
	}
	h := &img.Header
	if err := h.validate(); err != nil {
		return nil, err
	}
	nx, ny, nz, err := h.Shape()
	if err != nil {
		return nil, err
	}

	offset := int(h.VoxOffset)
	if offset < voxOffset {
		offset = voxOffset
	}
	bpv, _ := h.bytesPerVoxel()
	n := nx * ny * nz
	if len(raw) < offset+n*bpv {
		return nil, fmt.Errorf("%w: expected %d data bytes at offset %d, file has %d",
			ErrInvalidImage, n*bpv, offset, len(raw)-offset)
	}

	vol := models.NewVolume(nx, ny, nz)
	sp := h.spacing()
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = sp[0], sp[1], sp[2]
	if err := decodeData(raw[offset:offset+n*bpv], order, h.DataType, vol.Data); err != nil {
		return nil, err
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i, v := range vol.Data {
			vol.Data[i] = v*slope + inter
		}
	}
	img.Volume = vol
	return img, nil
}

func decodeData(b []byte, order binary.ByteOrder, datatype int16, out []float64) error {
	switch datatype {
	case DTUint8:
		for i := range out {
			out[i] = float64(b[i])
		}
	case DTInt8:
		for i := range out {
			out[i] = float64(int8(b[i]))
		}
	case DTInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(b[2*i:])))
		}
	case DTUint16:
		for i := range out {
			out[i] = float64(order.Uint16(b[2*i:]))
		}
	case DTInt32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(b[4*i:])))
		}
	case DTUint32:
		for i := range out {
			out[i] = float64(order.Uint32(b[4*i:]))
		}
	case DTFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
		}
	case DTFloat64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	default:
		return fmt.Errorf("%w: unsupported datatype %d", ErrInvalidImage, datatype)
	}
	return nil
}

// WriteLabels stores a segmentation as an int32 image. A ".gz" suffix selects
// gzip compression. When ref is non-nil its orientation is copied so the
// labels overlay the source image; otherwise a diagonal sform is written.
func WriteLabels(path string, seg *models.Segmentation, ref *Header, description string) error {
	h, err := newHeader(seg.Width, seg.Height, seg.Depth,
		[3]float64{seg.VoxelSize.X, seg.VoxelSize.Y, seg.VoxelSize.Z}, DTInt32)
	if err != nil {
		return err
	}
	if ref != nil {
		h.copyGeometry(ref)
	}
	h.SetDescription(description)
	h.IntentCode = 1002 // NIFTI_INTENT_LABEL
	h.CalMin = 0
	h.CalMax = float32(seg.NumRegions())
	return writeFile(path, h, seg.Labels)
}

// WriteVolume stores a volume as a float32 image.
func WriteVolume(path string, vol *models.Volume, description string) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	h, err := newHeader(vol.Width, vol.Height, vol.Depth, vol.Spacing(), DTFloat32)
	if err != nil {
		return err
	}
	h.SetDescription(description)
	data := make([]float32, len(vol.Data))
	for i, v := range vol.Data {
		data[i] = float32(v)
	}
	return writeFile(path, h, data)
}

func writeFile(path string, h *Header, data any) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(f)
		defer func() {
			if cerr := zw.Close(); err == nil {
				err = cerr
			}
		}()
		w = zw
	}
	return Write(w, h, data)
}

// Write encodes a little-endian header, an empty extension flag and data.
func Write(w io.Writer, h *Header, data any) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return err
	}
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, data); err != nil {
		return err
	}
	return bw.Flush()
}
