package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"ctviewer/pkg/compositor"
	"ctviewer/pkg/config"
	"ctviewer/pkg/nifti"
	"ctviewer/pkg/session"
	"ctviewer/pkg/slicer"
	"ctviewer/pkg/stats"
	"ctviewer/pkg/visualization"
	"ctviewer/pkg/window"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// headerLines is the number of terminal rows used above and below the slice
const headerLines = 5

type keyMap struct {
	Next     key.Binding
	Prev     key.Binding
	PageNext key.Binding
	PagePrev key.Binding
	Plane    key.Binding
	Narrow   key.Binding
	Widen    key.Binding
	Reset    key.Binding
	Quit     key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Prev, k.Plane, k.Narrow, k.Widen, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Next, k.Prev, k.PageNext, k.PagePrev},
		{k.Plane, k.Narrow, k.Widen, k.Reset, k.Quit},
	}
}

var keys = keyMap{
	Next:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "next slice")),
	Prev:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "prev slice")),
	PageNext: key.NewBinding(key.WithKeys("pgup"), key.WithHelp("pgup", "+10 slices")),
	PagePrev: key.NewBinding(key.WithKeys("pgdown"), key.WithHelp("pgdn", "-10 slices")),
	Plane:    key.NewBinding(key.WithKeys("tab", "p"), key.WithHelp("tab", "plane")),
	Narrow:   key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "narrow window")),
	Widen:    key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "widen window")),
	Reset:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset window")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type interactiveModel struct {
	err       error
	session   *session.Session
	scanPath  string
	maskPaths []string
	cfg       *config.Config
	logger    *zap.Logger
	frame     *session.Frame
	summary   stats.Summary
	help      help.Model
	width     int
	height    int
	loaded    bool
}

func newInteractiveModel(scanPath string, maskPaths []string, plane slicer.Plane, cfg *config.Config, logger *zap.Logger) (*interactiveModel, error) {
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
	return &interactiveModel{
		session:   s,
		scanPath:  scanPath,
		maskPaths: maskPaths,
		cfg:       cfg,
		logger:    logger,
		help:      help.New(),
		width:     80,
		height:    24,
	}, nil
}

type loadedMsg struct {
	err     error
	frame   *session.Frame
	summary stats.Summary
}

type frameMsg struct {
	err   error
	frame *session.Frame
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

func (m *interactiveModel) load() tea.Msg {
	ctx := context.Background()

	data, err := os.ReadFile(m.scanPath)
	if err != nil {
		return loadedMsg{err: err}
	}
	f, err := m.session.LoadScan(ctx, data)
	if err != nil {
		return loadedMsg{err: err}
	}

	if len(m.maskPaths) > 0 {
		masks, err := readAll(m.maskPaths)
		if err != nil {
			return loadedMsg{err: err}
		}
		if f, err = m.session.LoadOverlays(ctx, masks); err != nil {
			return loadedMsg{err: err}
		}
	}

	return loadedMsg{frame: f, summary: stats.Summarize(m.session.Scan())}
}

// sessionCmd wraps a session call as a command so rendering stays off the
// event loop.
func sessionCmd(call func() (*session.Frame, error)) tea.Cmd {
	return func() tea.Msg {
		f, err := call()
		return frameMsg{frame: f, err: err}
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.session.Close()
			return m, tea.Quit
		}
		if !m.loaded {
			return m, nil
		}

		s := m.session
		switch {
		case key.Matches(msg, keys.Next):
			return m, sessionCmd(func() (*session.Frame, error) { return s.StepSlice(1) })
		case key.Matches(msg, keys.Prev):
			return m, sessionCmd(func() (*session.Frame, error) { return s.StepSlice(-1) })
		case key.Matches(msg, keys.PageNext):
			return m, sessionCmd(func() (*session.Frame, error) { return s.StepSlice(10) })
		case key.Matches(msg, keys.PagePrev):
			return m, sessionCmd(func() (*session.Frame, error) { return s.StepSlice(-10) })
		case key.Matches(msg, keys.Plane):
			next := nextPlane(s.Plane())
			return m, sessionCmd(func() (*session.Frame, error) { return s.SetPlane(next) })
		case key.Matches(msg, keys.Narrow):
			w := zoomWindow(s.Window(), 0.8)
			return m, sessionCmd(func() (*session.Frame, error) { return s.SetWindow(w) })
		case key.Matches(msg, keys.Widen):
			w := zoomWindow(s.Window(), 1.25)
			return m, sessionCmd(func() (*session.Frame, error) { return s.SetWindow(w) })
		case key.Matches(msg, keys.Reset):
			w := m.cfg.Window
			return m, sessionCmd(func() (*session.Frame, error) { return s.SetWindow(w) })
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.loaded = true
		m.frame = msg.frame
		m.summary = msg.summary

	case frameMsg:
		switch {
		case errors.Is(msg.err, session.ErrSuperseded):
			// a newer frame is on its way
		case msg.err != nil:
			m.logger.Debug("frame update failed", zap.Error(msg.err))
			m.err = msg.err
		default:
			m.err = nil
			if msg.frame == nil || m.frame == nil || msg.frame.Generation >= m.frame.Generation {
				m.frame = msg.frame
			}
		}
	}

	return m, nil
}

// nextPlane cycles through the planes in selector order.
func nextPlane(p slicer.Plane) slicer.Plane {
	for i, q := range slicer.Planes {
		if q == p {
			return slicer.Planes[(i+1)%len(slicer.Planes)]
		}
	}
	return slicer.Axial
}

// zoomWindow scales the window width about its centre.
func zoomWindow(w window.Window, factor float64) window.Window {
	c := (w.Min + w.Max) / 2
	half := (w.Max - w.Min) / 2 * factor
	if z, err := window.New(c-half, c+half); err == nil {
		return z
	}
	return w
}

func (m *interactiveModel) View() string {
	if !m.loaded {
		if m.err != nil {
			return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
		}
		return "Loading " + m.scanPath + "..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("CT Viewer"))
	b.WriteString(" ")
	b.WriteString(filepath.Base(m.scanPath))
	b.WriteString("\n")

	s := m.session
	b.WriteString(fmt.Sprintf("%s %s  %s %s  %s [%g, %g]",
		labelStyle.Render("grid"), s.Scan().Dims(),
		labelStyle.Render("encoding"), s.Scan().Encoding(),
		labelStyle.Render("HU"), m.summary.Min, m.summary.Max))
	hits, misses := s.CacheStats()
	b.WriteString(fmt.Sprintf("  %s %d/%d\n", labelStyle.Render("cache"), hits, hits+misses))

	if f := m.frame; f != nil {
		b.WriteString(fmt.Sprintf("%s %s  %s %d/%d  %s %s ",
			labelStyle.Render("plane"), f.Plane,
			labelStyle.Render("slice"), f.Index, f.Max,
			labelStyle.Render("window"), s.Window()))
		for i := 0; i < f.Overlays; i++ {
			c := compositor.OverlayColor(i)
			sw := lipgloss.NewStyle().Foreground(lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)))
			b.WriteString(sw.Render(fmt.Sprintf("■%d ", i)))
		}
		b.WriteString("\n")

		// two image rows per terminal cell
		img := visualization.Fit(f.Slice.Image(), m.width, 2*(m.height-headerLines), 1)
		b.WriteString(halfBlocks(img))
	} else {
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help.View(keys)))

	return b.String()
}

// halfBlocks paints img with upper half block cells, top pixel as
// foreground and bottom pixel as background.
func halfBlocks(img image.Image) string {
	bounds := img.Bounds()
	var b strings.Builder
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 2 {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			style := lipgloss.NewStyle().Foreground(hexColor(img, x, y))
			if y+1 < bounds.Max.Y {
				style = style.Background(hexColor(img, x, y+1))
			}
			b.WriteString(style.Render("▀"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func hexColor(img image.Image, x, y int) lipgloss.Color {
	r, g, b, _ := img.At(x, y).RGBA()
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8))
}

func runInteractive(scanPath string, maskPaths []string, plane slicer.Plane, cfg *config.Config, logger *zap.Logger) error {
	m, err := newInteractiveModel(scanPath, maskPaths, plane, cfg, logger)
	if err != nil {
		return err
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
