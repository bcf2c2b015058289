package visualization

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"ctviewer/internal/models"
	"ctviewer/pkg/compositor"
	"ctviewer/pkg/slicer"
	"ctviewer/pkg/window"
)

// testScan returns a volume where every axial slice holds one value
func testScan(t *testing.T, dims models.Dims) *models.Volume {
	t.Helper()
	samples := make([]int16, dims.Count())
	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				samples[dims.Index(x, y, z)] = int16(-1000 + z*500)
			}
		}
	}
	vol, err := models.NewInt16Volume(dims, samples)
	if err != nil {
		t.Fatalf("Failed to create scan: %v", err)
	}
	return vol
}

// TestNewViewer verifies option and overlay validation
func TestNewViewer(t *testing.T) {
	dims := models.Dims{X: 4, Y: 3, Z: 5}
	scan := testScan(t, dims)

	if _, err := NewViewer(scan, nil, window.Default(), DefaultOptions()); err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	opts := DefaultOptions()
	opts.Format = "gif"
	if _, err := NewViewer(scan, nil, window.Default(), opts); err == nil {
		t.Error("Expected error for unknown format, got nil")
	}

	opts = DefaultOptions()
	opts.Scale = 0
	if _, err := NewViewer(scan, nil, window.Default(), opts); err == nil {
		t.Error("Expected error for zero scale, got nil")
	}

	if _, err := NewViewer(scan, nil, window.Window{Min: 5, Max: 5}, DefaultOptions()); err == nil {
		t.Error("Expected error for degenerate window, got nil")
	}

	mask, _ := models.NewUint8Volume(models.Dims{X: 4, Y: 3, Z: 4}, make([]uint8, 48))
	var dme *compositor.DimensionMismatchError
	if _, err := NewViewer(scan, []*models.Volume{mask}, window.Default(), DefaultOptions()); !errors.As(err, &dme) {
		t.Errorf("Expected DimensionMismatchError, got %v", err)
	}
}

// TestExtractSlice verifies slice geometry and gray values per plane
func TestExtractSlice(t *testing.T) {
	dims := models.Dims{X: 4, Y: 3, Z: 5}
	viewer, err := NewViewer(testScan(t, dims), nil, window.Default(), DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	w := window.Default()
	for z := 0; z < dims.Z; z++ {
		img, err := viewer.ExtractSlice(slicer.Axial, z)
		if err != nil {
			t.Fatalf("Failed to extract axial slice %d: %v", z, err)
		}
		if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
			t.Errorf("Expected axial slice 4x3, got %dx%d", b.Dx(), b.Dy())
		}
		g := w.Apply(float64(-1000 + z*500))
		if got := img.At(1, 1).(color.RGBA); got != (color.RGBA{R: g, G: g, B: g, A: 255}) {
			t.Errorf("Axial slice %d: expected gray %d, got %v", z, g, got)
		}
	}

	cases := []struct {
		plane         slicer.Plane
		width, height int
	}{
		{slicer.Coronal, 4, 5},
		{slicer.Sagittal, 3, 5},
	}
	for _, tc := range cases {
		img, err := viewer.ExtractSlice(tc.plane, 1)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", tc.plane, err)
		}
		if b := img.Bounds(); b.Dx() != tc.width || b.Dy() != tc.height {
			t.Errorf("Expected %s slice %dx%d, got %dx%d", tc.plane, tc.width, tc.height, b.Dx(), b.Dy())
		}
	}

	var oob *slicer.SliceIndexOutOfRangeError
	if _, err := viewer.ExtractSlice(slicer.Axial, dims.Z); !errors.As(err, &oob) {
		t.Errorf("Expected SliceIndexOutOfRangeError, got %v", err)
	}
}

// TestScale verifies nearest-neighbour upscaling keeps voxel blocks intact
func TestScale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	src.SetRGBA(1, 0, color.RGBA{G: 255, A: 255})

	img := Scale(src, 3)
	if b := img.Bounds(); b.Dx() != 6 || b.Dy() != 3 {
		t.Fatalf("Expected 6x3 image, got %dx%d", b.Dx(), b.Dy())
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 6; x++ {
			r, g, _, _ := img.At(x, y).RGBA()
			if x < 3 && (r != 0xffff || g != 0) {
				t.Errorf("Expected red at (%d,%d)", x, y)
			}
			if x >= 3 && (g != 0xffff || r != 0) {
				t.Errorf("Expected green at (%d,%d)", x, y)
			}
		}
	}

	if Scale(src, 1) != image.Image(src) {
		t.Error("Expected factor 1 to return the input image")
	}
}

// TestFit verifies aspect-preserving resampling into a bounding box
func TestFit(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 20))

	cases := []struct {
		maxW, maxH int
		aspect     float64
		w, h       int
	}{
		{80, 80, 1, 80, 40},
		{80, 10, 1, 20, 10},
		{20, 100, 1, 20, 10},
		{80, 80, 2, 80, 20},
	}
	for _, tc := range cases {
		b := Fit(src, tc.maxW, tc.maxH, tc.aspect).Bounds()
		if b.Dx() != tc.w || b.Dy() != tc.h {
			t.Errorf("Fit(%d, %d, %g): expected %dx%d, got %dx%d", tc.maxW, tc.maxH, tc.aspect, tc.w, tc.h, b.Dx(), b.Dy())
		}
	}

	if !Fit(src, 0, 10, 1).Bounds().Empty() {
		t.Error("Expected empty image for zero width")
	}
}

// TestEncode verifies every supported format decodes back to the same pixels
func TestEncode(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for i := range src.Pix {
		src.Pix[i] = byte(i * 10)
	}
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 255
	}

	decoders := map[string]func(*bytes.Reader) (image.Image, error){
		"png":  func(r *bytes.Reader) (image.Image, error) { return png.Decode(r) },
		"bmp":  func(r *bytes.Reader) (image.Image, error) { return bmp.Decode(r) },
		"tiff": func(r *bytes.Reader) (image.Image, error) { return tiff.Decode(r) },
	}
	for format, decode := range decoders {
		var buf bytes.Buffer
		if err := Encode(&buf, src, format, 90); err != nil {
			t.Fatalf("Encode(%s) failed: %v", format, err)
		}
		img, err := decode(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", format, err)
		}
		for y := 0; y < 2; y++ {
			for x := 0; x < 3; x++ {
				want := src.RGBAAt(x, y)
				r, g, b, _ := img.At(x, y).RGBA()
				if byte(r>>8) != want.R || byte(g>>8) != want.G || byte(b>>8) != want.B {
					t.Errorf("%s pixel (%d,%d): expected %v, got (%d,%d,%d)", format, x, y, want, r>>8, g>>8, b>>8)
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, src, "jpeg", 90); err != nil || buf.Len() == 0 {
		t.Errorf("Expected JPEG output, got %d bytes and %v", buf.Len(), err)
	}
	if err := Encode(&buf, src, "webp", 90); err == nil {
		t.Error("Expected error for unknown format, got nil")
	}
}

// TestSaveSlice verifies that slices can be saved to disk
func TestSaveSlice(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	opts := DefaultOptions()
	opts.Scale = 2
	viewer, err := NewViewer(testScan(t, models.Dims{X: 4, Y: 3, Z: 5}), nil, window.Default(), opts)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	img, err := viewer.ExtractSlice(slicer.Axial, 2)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	filename := filepath.Join(t.TempDir(), "test_slice.png")
	if err := viewer.SaveSlice(img, filename); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}

	f, err := os.Open(filename)
	if err != nil {
		t.Fatalf("Saved file does not exist: %v", err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatalf("Failed to read PNG header: %v", err)
	}
	if cfg.Width != 8 || cfg.Height != 6 {
		t.Errorf("Expected 8x6 image, got %dx%d", cfg.Width, cfg.Height)
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	dims := models.Dims{X: 5, Y: 4, Z: 3}
	mask, _ := models.NewUint8Volume(dims, make([]uint8, dims.Count()))

	opts := DefaultOptions()
	opts.Format = "tiff"
	viewer, err := NewViewer(testScan(t, dims), []*models.Volume{mask}, window.Default(), opts)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	outputDir := filepath.Join(t.TempDir(), "slices")
	files, err := viewer.SaveSliceSequence(slicer.Sagittal, outputDir)
	if err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	if len(files) != dims.X {
		t.Errorf("Expected %d files, got %d", dims.X, len(files))
	}

	for x := 0; x < dims.X; x++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_sagittal_%03d.tif", x))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if _, err := viewer.SaveSliceSequence(slicer.Plane(7), outputDir); err == nil {
		t.Error("Expected error for invalid plane, got nil")
	}
}
