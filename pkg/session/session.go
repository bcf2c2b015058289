// Package session orchestrates decoding, windowing, slicing and compositing
// for one viewing surface.
//
// A Session moves from Empty to ScanLoaded once a scan is installed and to
// Rendering once a frame for the current inputs is available. Every input
// change bumps a generation counter; a frame computed for an older
// generation is discarded instead of published, and a newer load of the
// same kind cancels the one in flight.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ctviewer/internal/models"
	"ctviewer/pkg/compositor"
	"ctviewer/pkg/slicer"
	"ctviewer/pkg/window"
)

var (
	// ErrNoScan is returned by operations that need a loaded scan.
	ErrNoScan = errors.New("session: no scan loaded")

	// ErrSuperseded is returned when newer input replaced the request
	// before its result could be published.
	ErrSuperseded = errors.New("session: superseded by newer input")
)

// Decoder turns a container byte buffer into a volume.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*models.Volume, error)
}

// State is the orchestration state of a session.
type State int

const (
	Empty State = iota
	ScanLoaded
	Rendering
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case ScanLoaded:
		return "scan-loaded"
	case Rendering:
		return "rendering"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Frame is a composited slice together with the inputs it was rendered for.
type Frame struct {
	Slice *models.DisplaySlice
	Dims  models.Dims
	Plane slicer.Plane
	Index int

	// Min and Max bound the slice control for Plane
	Min, Max int

	Overlays   int
	Generation uint64
}

// Options configures a session.
type Options struct {
	// Window maps scan intensities to gray levels; zero means the default
	Window window.Window

	// NumCores bounds windowing parallelism; zero means every CPU
	NumCores int

	// Strict returns contract violations as errors. Otherwise the session
	// drops its frame and logs the violation.
	Strict bool

	// CacheEntries bounds the windowed scans kept; zero means 4
	CacheEntries int

	// Plane is the initial viewing plane
	Plane slicer.Plane

	Logger *zap.Logger

	// OnFrame is called for every published frame in generation order
	OnFrame func(*Frame)
}

// snapshot captures the inputs of one render.
type snapshot struct {
	gen      uint64
	dims     models.Dims
	windowed []byte
	overlays []*models.Volume
	plane    slicer.Plane
	slice    int
}

// Session holds the scan, overlays and view parameters of one viewer.
type Session struct {
	decoder Decoder
	opts    Options
	logger  *zap.Logger
	cache   *windowCache

	mu       sync.Mutex
	state    State
	window   window.Window
	scan     *models.Volume
	windowed []byte
	overlays []*models.Volume
	plane    slicer.Plane
	slice    int
	frame    *Frame
	gen      uint64

	scanSeq       uint64
	scanCancel    context.CancelFunc
	overlaySeq    uint64
	overlayCancel context.CancelFunc

	notifyMu     sync.Mutex
	lastNotified uint64
}

// New returns an empty session decoding buffers with dec.
func New(dec Decoder, opts Options) (*Session, error) {
	if opts.Window == (window.Window{}) {
		opts.Window = window.Default()
	}
	if err := opts.Window.Validate(); err != nil {
		return nil, err
	}
	if !opts.Plane.Valid() {
		return nil, fmt.Errorf("session: invalid plane %s", opts.Plane)
	}
	if opts.NumCores <= 0 {
		opts.NumCores = runtime.NumCPU()
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Session{
		decoder: dec,
		opts:    opts,
		logger:  opts.Logger,
		cache:   newWindowCache(opts.CacheEntries),
		window:  opts.Window,
		plane:   opts.Plane,
	}, nil
}

// LoadScan decodes data and installs it as the scan, replacing any
// previous one. The slice index resets to the middle of the current
// plane. A decode failure leaves the session unchanged.
func (s *Session) LoadScan(ctx context.Context, data []byte) (*Frame, error) {
	ctx, seq, done := s.beginLoad(ctx, &s.scanSeq, &s.scanCancel)
	defer done()

	start := time.Now()
	vol, err := s.decoder.Decode(ctx, data)
	if err != nil {
		if ctx.Err() != nil && s.isStale(seq, &s.scanSeq) {
			return nil, ErrSuperseded
		}
		s.logger.Warn("could not load scan", zap.Error(err))
		return nil, fmt.Errorf("load scan: %w", err)
	}
	s.logger.Debug("decoded scan",
		zap.Stringer("dims", vol.Dims()),
		zap.Stringer("encoding", vol.Encoding()),
		zap.Duration("elapsed", time.Since(start)))

	return s.installScan(seq, vol)
}

// SetScan installs an already decoded scan. It cancels any scan load in
// flight.
func (s *Session) SetScan(vol *models.Volume) (*Frame, error) {
	if vol == nil {
		return nil, errors.New("session: scan is required")
	}
	_, seq, done := s.beginLoad(context.Background(), &s.scanSeq, &s.scanCancel)
	defer done()
	return s.installScan(seq, vol)
}

func (s *Session) installScan(seq uint64, vol *models.Volume) (*Frame, error) {
	s.mu.Lock()
	w := s.window
	s.mu.Unlock()

	windowed, err := s.cache.get(vol, w, s.opts.NumCores)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if seq != s.scanSeq {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	if w != s.window {
		// window changed while we were computing
		s.mu.Unlock()
		if windowed, err = s.cache.get(vol, s.currentWindow(), s.opts.NumCores); err != nil {
			return nil, err
		}
		s.mu.Lock()
		if seq != s.scanSeq {
			s.mu.Unlock()
			return nil, ErrSuperseded
		}
	}

	s.scan = vol
	s.windowed = windowed
	s.state = ScanLoaded
	s.frame = nil
	s.slice = slicer.DefaultSlice(vol.Dims(), s.plane)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("scan loaded",
		zap.Stringer("dims", vol.Dims()),
		zap.Stringer("plane", snap.plane),
		zap.Int("slice", snap.slice),
		zap.Uint64("generation", snap.gen))
	return s.render(snap)
}

// LoadOverlays decodes every buffer concurrently and replaces the overlay
// set. Overlay order is upload order and determines overlay colors. When
// any buffer fails to decode, or an overlay grid differs from the scan's,
// the previous overlay set is kept.
func (s *Session) LoadOverlays(ctx context.Context, data [][]byte) (*Frame, error) {
	ctx, seq, done := s.beginLoad(ctx, &s.overlaySeq, &s.overlayCancel)
	defer done()

	vols := make([]*models.Volume, len(data))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range data {
		i, b := i, b
		g.Go(func() error {
			vol, err := s.decoder.Decode(gctx, b)
			if err != nil {
				return fmt.Errorf("overlay %d: %w", i, err)
			}
			vols[i] = vol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && s.isStale(seq, &s.overlaySeq) {
			return nil, ErrSuperseded
		}
		s.logger.Warn("could not load overlays", zap.Error(err))
		return nil, fmt.Errorf("load overlays: %w", err)
	}

	return s.installOverlays(seq, vols)
}

// SetOverlays installs already decoded overlays. It cancels any overlay
// load in flight.
func (s *Session) SetOverlays(vols []*models.Volume) (*Frame, error) {
	_, seq, done := s.beginLoad(context.Background(), &s.overlaySeq, &s.overlayCancel)
	defer done()
	return s.installOverlays(seq, append([]*models.Volume(nil), vols...))
}

func (s *Session) installOverlays(seq uint64, vols []*models.Volume) (*Frame, error) {
	s.mu.Lock()
	if seq != s.overlaySeq {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	if s.scan != nil {
		if err := compositor.CheckOverlays(s.scan.Dims(), vols); err != nil {
			s.mu.Unlock()
			s.logger.Warn("rejected overlays", zap.Error(err))
			return nil, err
		}
	}

	s.overlays = vols
	if s.scan == nil {
		s.mu.Unlock()
		s.logger.Debug("overlays stored without scan", zap.Int("overlays", len(vols)))
		return nil, nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("overlays replaced",
		zap.Int("overlays", len(vols)),
		zap.Uint64("generation", snap.gen))
	return s.render(snap)
}

// SetPlane switches the viewing plane and resets the slice index to the
// middle of the new plane. Selecting the current plane again is a no-op.
func (s *Session) SetPlane(p slicer.Plane) (*Frame, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("session: invalid plane %s", p)
	}

	s.mu.Lock()
	if p == s.plane {
		f := s.frame
		s.mu.Unlock()
		return f, nil
	}
	s.plane = p
	if s.scan == nil {
		s.mu.Unlock()
		return nil, nil
	}
	s.slice = slicer.DefaultSlice(s.scan.Dims(), p)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("plane changed",
		zap.Stringer("plane", p),
		zap.Int("slice", snap.slice),
		zap.Uint64("generation", snap.gen))
	return s.render(snap)
}

// SetSlice moves to slice index i of the current plane. Out of range
// indices are clamped.
func (s *Session) SetSlice(i int) (*Frame, error) {
	s.mu.Lock()
	if s.scan == nil {
		s.mu.Unlock()
		return nil, ErrNoScan
	}
	return s.moveLocked(i)
}

// StepSlice moves delta slices from the current index, read and updated
// atomically so concurrent steps accumulate. The result is clamped.
func (s *Session) StepSlice(delta int) (*Frame, error) {
	s.mu.Lock()
	if s.scan == nil {
		s.mu.Unlock()
		return nil, ErrNoScan
	}
	return s.moveLocked(s.slice + delta)
}

// moveLocked sets the slice index and renders. It releases s.mu.
func (s *Session) moveLocked(i int) (*Frame, error) {
	layout, err := slicer.PlaneLayout(s.scan.Dims(), s.plane)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := layout.CheckSlice(i); err != nil {
		s.logger.Debug("clamping slice index", zap.Error(err))
		i = layout.ClampSlice(i)
	}
	if i == s.slice && s.frame != nil {
		f := s.frame
		s.mu.Unlock()
		return f, nil
	}
	s.slice = i
	snap := s.snapshotLocked()
	s.mu.Unlock()

	return s.render(snap)
}

// SetWindow changes the intensity window and re-renders. Windowed scans
// are cached per (volume, window), so switching back is cheap.
func (s *Session) SetWindow(w window.Window) (*Frame, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.window = w
	scan := s.scan
	s.mu.Unlock()
	if scan == nil {
		return nil, nil
	}

	windowed, err := s.cache.get(scan, w, s.opts.NumCores)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.scan != scan || s.window != w {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	s.windowed = windowed
	snap := s.snapshotLocked()
	s.mu.Unlock()

	return s.render(snap)
}

// Render recomposites the current inputs.
func (s *Session) Render() (*Frame, error) {
	s.mu.Lock()
	if s.scan == nil {
		s.mu.Unlock()
		return nil, ErrNoScan
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return s.render(snap)
}

// snapshotLocked bumps the generation and captures the render inputs.
func (s *Session) snapshotLocked() snapshot {
	s.gen++
	return snapshot{
		gen:      s.gen,
		dims:     s.scan.Dims(),
		windowed: s.windowed,
		overlays: s.overlays,
		plane:    s.plane,
		slice:    s.slice,
	}
}

func (s *Session) render(snap snapshot) (*Frame, error) {
	start := time.Now()
	ds, err := compositor.Composite(snap.windowed, snap.overlays, snap.dims, snap.plane, snap.slice)
	if err != nil {
		return s.violation(snap, err)
	}

	layout, _ := slicer.PlaneLayout(snap.dims, snap.plane)
	min, max := layout.Range()
	f := &Frame{
		Slice:      ds,
		Dims:       snap.dims,
		Plane:      snap.plane,
		Index:      snap.slice,
		Min:        min,
		Max:        max,
		Overlays:   len(snap.overlays),
		Generation: snap.gen,
	}

	s.mu.Lock()
	if snap.gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("discarding stale frame",
			zap.Uint64("generation", snap.gen),
			zap.Uint64("current", s.currentGeneration()))
		return nil, ErrSuperseded
	}
	s.frame = f
	s.state = Rendering
	s.mu.Unlock()

	s.logger.Debug("rendered frame",
		zap.Stringer("plane", f.Plane),
		zap.Int("slice", f.Index),
		zap.Int("overlays", f.Overlays),
		zap.Uint64("generation", f.Generation),
		zap.Duration("elapsed", time.Since(start)))
	s.notify(f)
	return f, nil
}

// violation applies the contract violation policy to a failed render.
func (s *Session) violation(snap snapshot, err error) (*Frame, error) {
	s.mu.Lock()
	if snap.gen == s.gen {
		s.frame = nil
		s.state = ScanLoaded
	}
	s.mu.Unlock()

	s.logger.Error("render contract violation",
		zap.Error(err),
		zap.Stringer("plane", snap.plane),
		zap.Int("slice", snap.slice),
		zap.Uint64("generation", snap.gen))
	if s.opts.Strict {
		return nil, err
	}
	return nil, nil
}

func (s *Session) notify(f *Frame) {
	if s.opts.OnFrame == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if f.Generation <= s.lastNotified {
		return
	}
	s.lastNotified = f.Generation
	s.opts.OnFrame(f)
}

// beginLoad starts a load of one kind, cancelling the previous load of
// that kind. The returned func releases the load's context.
func (s *Session) beginLoad(ctx context.Context, seq *uint64, cancel *context.CancelFunc) (context.Context, uint64, func()) {
	ctx, c := context.WithCancel(ctx)

	s.mu.Lock()
	if *cancel != nil {
		(*cancel)()
	}
	*seq++
	mine := *seq
	*cancel = c
	s.mu.Unlock()

	return ctx, mine, func() {
		s.mu.Lock()
		if *seq == mine {
			*cancel = nil
		}
		s.mu.Unlock()
		c()
	}
}

func (s *Session) isStale(mine uint64, seq *uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mine != *seq
}

func (s *Session) currentWindow() window.Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

func (s *Session) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Close cancels loads in flight and returns the session to Empty.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range []*context.CancelFunc{&s.scanCancel, &s.overlayCancel} {
		if *c != nil {
			(*c)()
			*c = nil
		}
	}
	s.scanSeq++
	s.overlaySeq++
	s.gen++
	s.state = Empty
	s.scan, s.windowed, s.overlays, s.frame = nil, nil, nil, nil
}

// State returns the orchestration state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Frame returns the latest published frame, or nil.
func (s *Session) Frame() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Plane returns the current viewing plane.
func (s *Session) Plane() slicer.Plane {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plane
}

// Slice returns the current slice index.
func (s *Session) Slice() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slice
}

// SliceRange returns the inclusive slice bounds of the current plane.
func (s *Session) SliceRange() (min, max int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scan == nil {
		return 0, 0, ErrNoScan
	}
	layout, err := slicer.PlaneLayout(s.scan.Dims(), s.plane)
	if err != nil {
		return 0, 0, err
	}
	min, max = layout.Range()
	return min, max, nil
}

// Scan returns the current scan volume, or nil.
func (s *Session) Scan() *models.Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan
}

// Overlays returns the current overlay volumes in upload order.
func (s *Session) Overlays() []*models.Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Volume(nil), s.overlays...)
}

// Window returns the current intensity window.
func (s *Session) Window() window.Window {
	return s.currentWindow()
}

// CacheStats reports windowing cache hits and misses.
func (s *Session) CacheStats() (hits, misses int) {
	return s.cache.stats()
}
