/*
	This file handles the fixed 348-byte NIfTI-1 header.
*/

package nifti

import (
	"encoding/binary"
	"math"

	"ctviewer/internal/models"
)

const (
	headerSize = 348

	// single-file images start after the header and a 4-byte extension flag
	defaultVoxOffset = 352

	offDim       = 40
	offDatatype  = 70
	offBitpix    = 72
	offPixdim    = 76
	offVoxOffset = 108
	offSclSlope  = 112
	offSclInter  = 116
	offMagic     = 344
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
)

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

// Header holds the fields of a NIfTI-1 header the viewer relies on.
type Header struct {
	ByteOrder binary.ByteOrder
	Dim       [8]int16
	Datatype  int16
	Bitpix    int16
	Pixdim    [8]float32
	VoxOffset float32
	SclSlope  float32
	SclInter  float32
	Magic     [4]byte
}

// Dims returns the spatial grid. Missing trailing axes count as 1.
func (h *Header) Dims() models.Dims {
	d := models.Dims{X: 1, Y: 1, Z: 1}
	n := int(h.Dim[0])
	if n >= 1 {
		d.X = int(h.Dim[1])
	}
	if n >= 2 {
		d.Y = int(h.Dim[2])
	}
	if n >= 3 {
		d.Z = int(h.Dim[3])
	}
	return d
}

// Encoding maps the datatype code onto the closed sample encoding. Codes
// other than uint8, int16 and float32 use the uint8 fallback.
func (h *Header) Encoding() models.Encoding {
	switch h.Datatype {
	case DTUint8:
		return models.Uint8
	case DTInt16:
		return models.Int16
	case DTFloat32:
		return models.Float32
	default:
		return models.Uint8Fallback
	}
}

// parseHeader reads the header from b, detecting its byte order from the
// sizeof_hdr field.
func parseHeader(b []byte) (*Header, error) {
	if len(b) < headerSize {
		return nil, &DecodeError{Kind: MalformedHeader, Msg: "input shorter than a NIfTI-1 header"}
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b) == headerSize:
		order = binary.BigEndian
	default:
		return nil, &DecodeError{Kind: MalformedHeader, Msg: "sizeof_hdr is not 348"}
	}

	h := &Header{ByteOrder: order}
	for i := range h.Dim {
		h.Dim[i] = int16(order.Uint16(b[offDim+2*i:]))
	}
	h.Datatype = int16(order.Uint16(b[offDatatype:]))
	h.Bitpix = int16(order.Uint16(b[offBitpix:]))
	for i := range h.Pixdim {
		h.Pixdim[i] = math.Float32frombits(order.Uint32(b[offPixdim+4*i:]))
	}
	h.VoxOffset = math.Float32frombits(order.Uint32(b[offVoxOffset:]))
	h.SclSlope = math.Float32frombits(order.Uint32(b[offSclSlope:]))
	h.SclInter = math.Float32frombits(order.Uint32(b[offSclInter:]))
	copy(h.Magic[:], b[offMagic:offMagic+4])

	switch h.Magic {
	case magicSingle:
	case magicPair:
		return nil, &DecodeError{Kind: MalformedHeader, Msg: "two-file (.hdr/.img) NIfTI pairs are not supported"}
	default:
		return nil, &DecodeError{Kind: MalformedHeader, Msg: "missing n+1 magic"}
	}

	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, &DecodeError{Kind: MalformedHeader, Msg: "dim[0] must be between 1 and 7"}
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return nil, &DecodeError{Kind: MalformedHeader, Msg: "non-positive grid extent"}
		}
	}
	vox := float64(h.VoxOffset)
	if math.IsNaN(vox) || vox < headerSize {
		return nil, &DecodeError{Kind: MalformedHeader, Msg: "vox_offset points inside the header"}
	}
	if math.IsInf(vox, 0) || vox > math.MaxInt32 {
		return nil, &DecodeError{Kind: MalformedHeader, Msg: "vox_offset out of range"}
	}
	return h, nil
}

// marshal writes a little-endian single-file header.
func (h *Header) marshal() []byte {
	b := make([]byte, defaultVoxOffset)
	le := binary.LittleEndian
	le.PutUint32(b, headerSize)
	for i, d := range h.Dim {
		le.PutUint16(b[offDim+2*i:], uint16(d))
	}
	le.PutUint16(b[offDatatype:], uint16(h.Datatype))
	le.PutUint16(b[offBitpix:], uint16(h.Bitpix))
	for i, p := range h.Pixdim {
		le.PutUint32(b[offPixdim+4*i:], math.Float32bits(p))
	}
	le.PutUint32(b[offVoxOffset:], math.Float32bits(h.VoxOffset))
	le.PutUint32(b[offSclSlope:], math.Float32bits(h.SclSlope))
	le.PutUint32(b[offSclInter:], math.Float32bits(h.SclInter))
	copy(b[offMagic:], h.Magic[:])
	return b
}
