// Package visualization renders composited slices to image files.
package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"

	"ctviewer/internal/models"
	"ctviewer/pkg/compositor"
	"ctviewer/pkg/slicer"
	"ctviewer/pkg/window"
)

// Options controls how slices are written.
type Options struct {
	// Format is one of png, jpeg, bmp, tiff
	Format string

	// Scale is the integer nearest-neighbour upscale factor
	Scale int

	// Quality applies to JPEG output
	Quality int

	// NumCores bounds windowing and file writing parallelism
	NumCores int

	Logger *zap.Logger
}

// DefaultOptions returns PNG output at native resolution.
func DefaultOptions() Options {
	return Options{Format: "png", Scale: 1, Quality: 90, NumCores: runtime.NumCPU()}
}

// Viewer extracts composited slices of a scan and its overlays.
type Viewer struct {
	dims     models.Dims
	windowed []byte
	overlays []*models.Volume
	opts     Options
	logger   *zap.Logger
}

// NewViewer windows scan once with w and checks that every overlay shares
// its grid.
func NewViewer(scan *models.Volume, overlays []*models.Volume, w window.Window, opts Options) (*Viewer, error) {
	if scan == nil {
		return nil, fmt.Errorf("scan is required")
	}
	if _, err := Extension(opts.Format); err != nil {
		return nil, err
	}
	if opts.Scale <= 0 {
		return nil, fmt.Errorf("scale must be positive, got %d", opts.Scale)
	}
	if opts.NumCores <= 0 {
		opts.NumCores = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := compositor.CheckOverlays(scan.Dims(), overlays); err != nil {
		return nil, err
	}

	windowed, err := w.ApplyVolume(scan, opts.NumCores)
	if err != nil {
		return nil, err
	}

	return &Viewer{
		dims:     scan.Dims(),
		windowed: windowed,
		overlays: overlays,
		opts:     opts,
		logger:   opts.Logger,
	}, nil
}

// ExtractSlice composites slice position of plane and upscales it by the
// configured factor.
func (v *Viewer) ExtractSlice(plane slicer.Plane, position int) (image.Image, error) {
	ds, err := compositor.Composite(v.windowed, v.overlays, v.dims, plane, position)
	if err != nil {
		return nil, err
	}
	return Scale(ds.Image(), v.opts.Scale), nil
}

// SaveSlice writes img to filename in the configured format.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := Encode(file, img, v.opts.Format, v.opts.Quality); err != nil {
		file.Close()
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	return file.Close()
}

// SaveSliceSequence writes every slice of plane into outputDir and returns
// the file names in slice order.
func (v *Viewer) SaveSliceSequence(plane slicer.Plane, outputDir string) ([]string, error) {
	layout, err := slicer.PlaneLayout(v.dims, plane)
	if err != nil {
		return nil, err
	}
	ext, err := Extension(v.opts.Format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	files := make([]string, layout.Extent())
	g := new(errgroup.Group)
	g.SetLimit(v.opts.NumCores)
	for pos := range files {
		pos := pos
		files[pos] = filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d%s", plane, pos, ext))
		g.Go(func() error {
			img, err := v.ExtractSlice(plane, pos)
			if err != nil {
				return err
			}
			return v.SaveSlice(img, files[pos])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v.logger.Debug("saved slice sequence",
		zap.Stringer("plane", plane),
		zap.Int("slices", len(files)),
		zap.String("dir", outputDir))
	return files, nil
}

// Scale upscales img by an integer factor using nearest-neighbour sampling
// so voxel boundaries stay sharp.
func Scale(img image.Image, factor int) image.Image {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Fit resamples img with nearest-neighbour sampling to the largest size
// inside maxW x maxH that keeps its aspect ratio. pixelAspect is the height
// of one target pixel relative to its width.
func Fit(img image.Image, maxW, maxH int, pixelAspect float64) image.Image {
	b := img.Bounds()
	if b.Empty() || maxW <= 0 || maxH <= 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	if pixelAspect <= 0 {
		pixelAspect = 1
	}

	w := maxW
	h := int(float64(w) * float64(b.Dy()) / float64(b.Dx()) / pixelAspect)
	if h > maxH {
		h = maxH
		w = int(float64(h) * pixelAspect * float64(b.Dx()) / float64(b.Dy()))
	}
	w, h = max(w, 1), max(h, 1)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Encode writes img to w in format.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case "png":
		return png.Encode(w, img)
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unknown image format %q", format)
	}
}

// Extension returns the file extension used for format.
func Extension(format string) (string, error) {
	switch format {
	case "png":
		return ".png", nil
	case "jpeg":
		return ".jpg", nil
	case "bmp":
		return ".bmp", nil
	case "tiff":
		return ".tif", nil
	default:
		return "", fmt.Errorf("unknown image format %q (must be png, jpeg, bmp or tiff)", format)
	}
}
