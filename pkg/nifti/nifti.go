// Package nifti decodes and encodes single-file NIfTI-1 volumes, optionally
// gzip compressed (.nii and .nii.gz).
package nifti

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"ctviewer/internal/models"
)

// ErrorKind classifies decode failures.
type ErrorKind uint8

const (
	MalformedHeader ErrorKind = iota
	TruncatedPayload
	UnsupportedCompression
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedHeader:
		return "malformed header"
	case TruncatedPayload:
		return "truncated payload"
	case UnsupportedCompression:
		return "unsupported compression"
	default:
		return "unknown decode error"
	}
}

// DecodeError is returned for any input that cannot be turned into a
// complete volume. No partial volume accompanies it.
type DecodeError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nifti: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("nifti: %s: %s", e.Kind, e.Msg)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var compressionMagic = []struct {
	name  string
	magic []byte
}{
	{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{"bzip2", []byte("BZh")},
	{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0}},
	{"zip", []byte{'P', 'K', 3, 4}},
}

// IsCompressed reports whether b starts with a gzip member header.
func IsCompressed(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// Decoder turns NIfTI-1 byte buffers into volumes.
type Decoder struct {
	logger *zap.Logger
}

// NewDecoder returns a decoder logging to logger; nil disables logging.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Decode parses data, decompressing it first when it is gzip'd.
func Decode(data []byte) (*models.Volume, error) {
	return NewDecoder(nil).Decode(context.Background(), data)
}

// Decode parses data into a volume. Decompression honours ctx.
func (d *Decoder) Decode(ctx context.Context, data []byte) (*models.Volume, error) {
	vol, _, err := d.DecodeWithHeader(ctx, data)
	return vol, err
}

// DecodeWithHeader is Decode that also returns the parsed header, so
// callers needing both decompress the input once.
func (d *Decoder) DecodeWithHeader(ctx context.Context, data []byte) (*models.Volume, *Header, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	compressed := IsCompressed(data)
	if compressed {
		raw, err := gunzip(ctx, data)
		if err != nil {
			return nil, nil, err
		}
		data = raw
	} else {
		for _, c := range compressionMagic {
			if bytes.HasPrefix(data, c.magic) {
				return nil, nil, &DecodeError{Kind: UnsupportedCompression, Msg: c.name + " streams are not supported"}
			}
		}
	}

	h, err := parseHeader(data)
	if err != nil {
		return nil, nil, err
	}
	if h.Encoding() == models.Uint8Fallback {
		d.logger.Warn("unsupported datatype, reading samples as uint8",
			zap.Int16("datatype", h.Datatype),
			zap.Int16("bitpix", h.Bitpix))
	}

	vol, err := readImage(h, data)
	if err != nil {
		return nil, nil, err
	}

	d.logger.Debug("decoded volume",
		zap.Stringer("dims", vol.Dims()),
		zap.Stringer("encoding", vol.Encoding()),
		zap.Bool("compressed", compressed),
		zap.Duration("elapsed", time.Since(start)))
	return vol, h, nil
}

// ReadHeader parses only the header of data, decompressing as needed.
func ReadHeader(data []byte) (*Header, error) {
	if IsCompressed(data) {
		raw, err := gunzip(context.Background(), data)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return parseHeader(data)
}

func readImage(h *Header, data []byte) (*models.Volume, error) {
	dims := h.Dims()
	enc := h.Encoding()
	n := dims.Count()

	offset := int(h.VoxOffset)
	if offset < 0 || offset > len(data) {
		return nil, &DecodeError{Kind: TruncatedPayload, Msg: "vox_offset beyond end of input"}
	}
	payload := data[offset:]
	if need := n * enc.BytesPerSample(); len(payload) < need {
		return nil, &DecodeError{
			Kind: TruncatedPayload,
			Msg:  fmt.Sprintf("need %d bytes of samples for %s grid, have %d", need, dims, len(payload)),
		}
	}

	order := h.ByteOrder
	switch enc {
	case models.Int16:
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = int16(order.Uint16(payload[2*i:]))
		}
		return models.NewInt16Volume(dims, samples)
	case models.Float32:
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = math.Float32frombits(order.Uint32(payload[4*i:]))
		}
		return models.NewFloat32Volume(dims, samples)
	case models.Uint8:
		samples := make([]uint8, n)
		copy(samples, payload)
		return models.NewUint8Volume(dims, samples)
	default:
		samples := make([]uint8, n)
		copy(samples, payload)
		return models.NewFallbackVolume(dims, samples)
	}
}

// ctxReader stops a long decompression once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func gunzip(ctx context.Context, data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Kind: TruncatedPayload, Msg: "bad gzip header", Err: err}
	}
	defer zr.Close()

	raw, err := io.ReadAll(ctxReader{ctx: ctx, r: zr})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &DecodeError{Kind: TruncatedPayload, Msg: "corrupt gzip stream", Err: err}
	}
	return raw, nil
}

// Encode writes vol as a little-endian single-file NIfTI-1 image. Fallback
// volumes are written as uint8.
func Encode(vol *models.Volume, compress bool) ([]byte, error) {
	dims := vol.Dims()
	h := &Header{
		Dim:       [8]int16{3, int16(dims.X), int16(dims.Y), int16(dims.Z), 1, 1, 1, 1},
		Pixdim:    [8]float32{1, 1, 1, 1, 1, 1, 1, 1},
		VoxOffset: defaultVoxOffset,
		Magic:     magicSingle,
	}
	if dims.X > math.MaxInt16 || dims.Y > math.MaxInt16 || dims.Z > math.MaxInt16 {
		return nil, fmt.Errorf("nifti: grid %s exceeds NIfTI-1 extent limit", dims)
	}

	switch vol.Encoding() {
	case models.Int16:
		h.Datatype, h.Bitpix = DTInt16, 16
	case models.Float32:
		h.Datatype, h.Bitpix = DTFloat32, 32
	default:
		h.Datatype, h.Bitpix = DTUint8, 8
	}

	var raw bytes.Buffer
	raw.Grow(defaultVoxOffset + vol.SizeBytes())
	raw.Write(h.marshal())

	le := binary.LittleEndian
	buf := make([]byte, 4)
	for i := 0; i < vol.Len(); i++ {
		switch vol.Encoding() {
		case models.Int16:
			le.PutUint16(buf, uint16(int16(vol.At(i))))
			raw.Write(buf[:2])
		case models.Float32:
			le.PutUint32(buf, math.Float32bits(float32(vol.At(i))))
			raw.Write(buf)
		default:
			raw.WriteByte(byte(vol.At(i)))
		}
	}

	if !compress {
		return raw.Bytes(), nil
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("nifti: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("nifti: compress: %w", err)
	}
	return out.Bytes(), nil
}
