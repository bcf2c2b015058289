package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"ctviewer/internal/models"
	"ctviewer/pkg/config"
	"ctviewer/pkg/logging"
	"ctviewer/pkg/nifti"
	"ctviewer/pkg/phantom"
	"ctviewer/pkg/session"
	"ctviewer/pkg/slicer"
	"ctviewer/pkg/stats"
	"ctviewer/pkg/visualization"
	"ctviewer/pkg/window"
)

const usage = `Usage: ctviewer <command> [flags]

Commands:
  info    -scan <file> [-masks a,b]           describe a scan and its label masks
  render  -scan <file> -out <image> [flags]   composite one slice to an image
  export  -scan <file> -dir <dir> [flags]     save every slice of a plane
  view    -scan <file> [-masks a,b]           browse slices in the terminal
  synth   -dir <dir> [-dims 64x64x32]         write a phantom scan and organ masks
  config  -out <file>                         write a default config (.yaml or .toml)

Run "ctviewer <command> -h" for the flags of a command.
`

// commonFlags are shared by commands that open a scan.
type commonFlags struct {
	configPath *string
	scan       *string
	masks      *string
	plane      *string
	slice      *int
	wmin       *float64
	wmax       *float64
	strict     *bool
}

func addCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "ctviewer.yaml", "Configuration file (.yaml or .toml)"),
		scan:       fs.String("scan", "", "NIfTI-1 scan (.nii or .nii.gz)"),
		masks:      fs.String("masks", "", "Comma-separated label masks, in overlay order"),
		plane:      fs.String("plane", "axial", "Viewing plane: axial, coronal or sagittal"),
		slice:      fs.Int("slice", -1, "Slice index (default: middle of the plane)"),
		wmin:       fs.Float64("min", 0, "Window lower bound (overrides config when min != max)"),
		wmax:       fs.Float64("max", 0, "Window upper bound (overrides config when min != max)"),
		strict:     fs.Bool("strict", false, "Fail on contract violations instead of dropping the frame"),
	}
}

// setup loads the configuration, applies flag overrides and builds the logger.
func (c *commonFlags) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(*c.configPath)
	if err != nil {
		return nil, nil, err
	}
	if *c.wmin != *c.wmax {
		w, err := window.New(*c.wmin, *c.wmax)
		if err != nil {
			return nil, nil, err
		}
		cfg.Window = w
	}
	if *c.strict {
		cfg.Render.Strict = true
	}

	logger, err := logging.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (c *commonFlags) maskPaths() []string {
	if *c.masks == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(*c.masks, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "info":
		err = runInfo(args)
	case "render":
		err = runRender(args)
	case "export":
		err = runExport(args)
	case "view":
		err = runView(args)
	case "synth":
		err = runSynth(args)
	case "config":
		err = runConfig(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func readAll(paths []string) ([][]byte, error) {
	out := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		out[i] = data
	}
	return out, nil
}

func decodeFiles(ctx context.Context, dec *nifti.Decoder, paths []string) ([]*models.Volume, error) {
	bufs, err := readAll(paths)
	if err != nil {
		return nil, err
	}
	vols := make([]*models.Volume, len(bufs))
	for i, b := range bufs {
		if vols[i], err = dec.Decode(ctx, b); err != nil {
			return nil, fmt.Errorf("%s: %w", paths[i], err)
		}
	}
	return vols, nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	common := addCommon(fs)
	fs.Parse(args)
	if *common.scan == "" {
		fs.Usage()
		return fmt.Errorf("-scan is required")
	}

	_, logger, err := common.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	data, err := os.ReadFile(*common.scan)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	vol, h, err := nifti.NewDecoder(logger).DecodeWithHeader(context.Background(), data)
	if err != nil {
		return err
	}

	fmt.Printf("Scan: %s\n", *common.scan)
	fmt.Printf("File size: %s (gzip: %v)\n", humanize.Bytes(uint64(len(data))), nifti.IsCompressed(data))
	fmt.Printf("Grid: %s, voxel size %.3gx%.3gx%.3g mm\n", vol.Dims(), h.Pixdim[1], h.Pixdim[2], h.Pixdim[3])
	fmt.Printf("Encoding: %s (datatype %d, %d bits)\n", vol.Encoding(), h.Datatype, h.Bitpix)
	fmt.Printf("Samples: %s in memory\n", humanize.Bytes(uint64(vol.SizeBytes())))

	s := stats.Summarize(vol)
	fmt.Printf("\nIntensity:\n")
	fmt.Printf("- Range: [%g, %g]\n", s.Min, s.Max)
	fmt.Printf("- Mean: %.2f, StdDev: %.2f\n", s.Mean, s.StdDev)
	fmt.Printf("- Entropy: %.3f bits\n", s.Entropy)

	fmt.Printf("\nPlanes:\n")
	for _, p := range slicer.Planes {
		l, err := slicer.PlaneLayout(vol.Dims(), p)
		if err != nil {
			return err
		}
		lo, hi := l.Range()
		fmt.Printf("- %-8s %dx%d, slices %d..%d (default %d)\n", p, l.Width, l.Height, lo, hi, l.DefaultSlice())
	}

	paths := common.maskPaths()
	if len(paths) == 0 {
		return nil
	}
	masks, err := decodeFiles(context.Background(), nifti.NewDecoder(logger), paths)
	if err != nil {
		return err
	}
	fmt.Printf("\nMasks:\n")
	coverage := stats.LabelCoverage(masks)
	for i, m := range masks {
		match := "ok"
		if m.Dims() != vol.Dims() {
			match = "GRID MISMATCH " + m.Dims().String()
		}
		fmt.Printf("- %d %s: %s voxels (%.2f%%), %s\n", i, filepath.Base(paths[i]),
			humanize.Comma(int64(float64(m.Len())*coverage[i]+0.5)), coverage[i]*100, match)
	}
	return nil
}

// openSession decodes the scan and masks through a session configured from cfg.
func openSession(ctx context.Context, common *commonFlags, cfg *config.Config, logger *zap.Logger) (*session.Session, error) {
	plane, err := slicer.ParsePlane(*common.plane)
	if err != nil {
		return nil, err
	}

	s, err := session.New(nifti.NewDecoder(logger), session.Options{
		Window:       cfg.Window,
		NumCores:     cfg.Render.NumCores,
		Strict:       cfg.Render.Strict,
		CacheEntries: cfg.Render.CacheEntries,
		Plane:        plane,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	scan, err := os.ReadFile(*common.scan)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if _, err := s.LoadScan(ctx, scan); err != nil {
		return nil, err
	}

	masks, err := readAll(common.maskPaths())
	if err != nil {
		return nil, err
	}
	if len(masks) > 0 {
		if _, err := s.LoadOverlays(ctx, masks); err != nil {
			return nil, err
		}
	}

	if *common.slice >= 0 {
		if _, err := s.SetSlice(*common.slice); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func runRender(args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	common := addCommon(fs)
	out := fs.String("out", "slice.png", "Output image")
	format := fs.String("format", "", "Image format (default: from config)")
	scale := fs.Int("scale", 0, "Upscale factor (default: from config)")
	fs.Parse(args)
	if *common.scan == "" {
		fs.Usage()
		return fmt.Errorf("-scan is required")
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if *format != "" {
		cfg.Export.Format = *format
	}
	if *scale > 0 {
		cfg.Export.Scale = *scale
	}

	startTime := time.Now()
	s, err := openSession(context.Background(), common, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	f := s.Frame()
	if f == nil {
		return fmt.Errorf("no frame rendered for %s slice %d", s.Plane(), s.Slice())
	}

	file, err := os.Create(*out)
	if err != nil {
		return err
	}
	img := visualization.Scale(f.Slice.Image(), cfg.Export.Scale)
	if err := visualization.Encode(file, img, cfg.Export.Format, cfg.Export.Quality); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	fmt.Printf("Rendered %s slice %d of %d (%d overlays) to %s in %v\n",
		f.Plane, f.Index, f.Max, f.Overlays, *out, time.Since(startTime).Round(time.Millisecond))
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	common := addCommon(fs)
	dir := fs.String("dir", "slices", "Output directory")
	all := fs.Bool("all", false, "Export every plane into a subdirectory each")
	format := fs.String("format", "", "Image format (default: from config)")
	fs.Parse(args)
	if *common.scan == "" {
		fs.Usage()
		return fmt.Errorf("-scan is required")
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if *format != "" {
		cfg.Export.Format = *format
	}

	dec := nifti.NewDecoder(logger)
	vols, err := decodeFiles(context.Background(), dec, append([]string{*common.scan}, common.maskPaths()...))
	if err != nil {
		return err
	}

	viewer, err := visualization.NewViewer(vols[0], vols[1:], cfg.Window, visualization.Options{
		Format:   cfg.Export.Format,
		Scale:    cfg.Export.Scale,
		Quality:  cfg.Export.Quality,
		NumCores: cfg.Render.NumCores,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	planes := slicer.Planes
	if !*all {
		p, err := slicer.ParsePlane(*common.plane)
		if err != nil {
			return err
		}
		planes = []slicer.Plane{p}
	}

	for _, p := range planes {
		outDir := *dir
		if *all {
			outDir = filepath.Join(*dir, p.String())
		}
		fmt.Printf("Saving %s slices to: %s\n", p, outDir)
		files, err := viewer.SaveSliceSequence(p, outDir)
		if err != nil {
			return fmt.Errorf("%s slices: %w", p, err)
		}
		fmt.Printf("- %d files\n", len(files))
	}
	return nil
}

func runView(args []string) error {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	common := addCommon(fs)
	fs.Parse(args)
	if *common.scan == "" {
		fs.Usage()
		return fmt.Errorf("-scan is required")
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Logging.File == "" {
		// stderr would tear the alternate screen
		logger = zap.NewNop()
	}

	plane, err := slicer.ParsePlane(*common.plane)
	if err != nil {
		return err
	}
	return runInteractive(*common.scan, common.maskPaths(), plane, cfg, logger)
}

// parseDims reads a grid such as 64x64x32.
func parseDims(s string) (models.Dims, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) != 3 {
		return models.Dims{}, fmt.Errorf("invalid dims %q (want XxYxZ)", s)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return models.Dims{}, fmt.Errorf("invalid dims %q: %w", s, err)
		}
		n[i] = v
	}
	d := models.Dims{X: n[0], Y: n[1], Z: n[2]}
	if !d.Valid() {
		return models.Dims{}, fmt.Errorf("%w: %s", models.ErrInvalidDims, d)
	}
	return d, nil
}

func runSynth(args []string) error {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	dir := fs.String("dir", "phantom", "Output directory")
	dimsFlag := fs.String("dims", "64x64x32", "Grid size")
	gz := fs.Bool("gzip", true, "Write .nii.gz instead of .nii")
	fs.Parse(args)

	dims, err := parseDims(*dimsFlag)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*dir, 0755); err != nil {
		return err
	}
	ext := ".nii"
	if *gz {
		ext = ".nii.gz"
	}

	write := func(name string, vol *models.Volume) error {
		data, err := nifti.Encode(vol, *gz)
		if err != nil {
			return err
		}
		path := filepath.Join(*dir, name+ext)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
		fmt.Printf("- %s (%s)\n", path, humanize.Bytes(uint64(len(data))))
		return nil
	}

	fmt.Printf("Writing %s phantom to %s\n", dims, *dir)
	ct, err := phantom.CT(dims)
	if err != nil {
		return err
	}
	if err := write("ct", ct); err != nil {
		return err
	}
	for i, o := range phantom.Organs(dims) {
		mask, err := phantom.SphereMask(dims, o)
		if err != nil {
			return err
		}
		if err := write(fmt.Sprintf("organ%d", i), mask); err != nil {
			return err
		}
	}
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	out := fs.String("out", "ctviewer.yaml", "Configuration file to create (.yaml or .toml)")
	fs.Parse(args)

	if err := config.CreateDefaultConfigFile(*out); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", *out)
	return nil
}
