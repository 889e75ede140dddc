// Package devprovider provides a deterministic inference provider for local
// development. It fabricates analysis text and renders small placeholder
// images instead of calling an external backend, so the full pipeline runs
// offline with reproducible output.
package devprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/keepsake-labs/keepsake/internal/inference"
)

const (
	defaultName   = "dev"
	defaultWidth  = 512
	defaultHeight = 512
)

// Config controls the dev provider behavior. The zero value is a valid,
// always-succeeding provider named "dev".
type Config struct {
	// Name identifies the provider in logs and circuit state; defaults to "dev".
	Name string
	// Latency is an artificial delay per call, for exercising budgets and
	// timeouts locally. Zero means no delay.
	Latency time.Duration
	// FailEvery makes every Nth call (counting analyze and transform
	// together) return an error, for exercising retry, fallback, and the
	// partial terminal state. Zero disables injected failures.
	FailEvery int
	// Width and Height size the rendered placeholder; default 512x512.
	Width  int
	Height int
}

// Provider implements inference.Provider without any external backend.
// Output depends only on the request content, so repeated runs over the
// same input produce identical artifacts.
type Provider struct {
	name      string
	latency   time.Duration
	failEvery int
	width     int
	height    int
	calls     atomic.Int64
}

// NewProvider constructs a dev provider from Config.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.FailEvery < 0 {
		return nil, errors.New("dev provider: FailEvery cannot be negative")
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = defaultName
	}
	width := cfg.Width
	if width <= 0 {
		width = defaultWidth
	}
	height := cfg.Height
	if height <= 0 {
		height = defaultHeight
	}

	return &Provider{
		name:      name,
		latency:   cfg.Latency,
		failEvery: cfg.FailEvery,
		width:     width,
		height:    height,
	}, nil
}

// Name identifies the provider in errors, logs, and circuit state.
func (p *Provider) Name() string {
	return p.name
}

// Analyze derives a stable description from the input reference.
func (p *Provider) Analyze(ctx context.Context, req inference.AnalyzeRequest) (*inference.AnalyzeResult, error) {
	if err := p.simulateCall(ctx); err != nil {
		return nil, err
	}

	subject := subjects[hashOf(req.InputRef)%uint32(len(subjects))]
	return &inference.AnalyzeResult{
		Text: fmt.Sprintf("%s, photographed in natural light", subject),
	}, nil
}

// Transform renders a placeholder image whose palette is derived from the
// prompt, so each variation of a fan-out is visually distinct.
func (p *Provider) Transform(ctx context.Context, req inference.TransformRequest) (*inference.TransformResult, error) {
	if err := p.simulateCall(ctx); err != nil {
		return nil, err
	}

	seed := hashOf(req.InputRef + "\x00" + req.Prompt)
	img := imaging.New(p.width, p.height, paletteColor(seed))

	// A contrasting inner panel makes otherwise flat placeholders easy to
	// tell apart at a glance.
	inset := p.width / 8
	panel := imaging.New(p.width-2*inset, p.height-2*inset, paletteColor(seed>>8))
	img = imaging.Paste(img, panel, image.Pt(inset, inset))

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}

	return &inference.TransformResult{
		Payload:     buf.Bytes(),
		ContentType: "image/png",
	}, nil
}

// simulateCall applies the configured latency and failure injection.
func (p *Provider) simulateCall(ctx context.Context) error {
	n := p.calls.Add(1)
	if p.failEvery > 0 && n%int64(p.failEvery) == 0 {
		return fmt.Errorf("%s provider: injected failure on call %d", p.name, n)
	}

	if p.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(p.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// subjects are the canned analysis subjects cycled by input hash.
var subjects = []string{
	"a family gathered around a kitchen table",
	"a child holding a striped balloon",
	"a golden retriever on a sunlit porch",
	"a couple walking along a pebble beach",
	"a grandmother tending rose bushes",
	"two friends sharing an umbrella in the rain",
	"a birthday cake with lit candles",
	"an old farmhouse under an open sky",
}

func hashOf(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func paletteColor(seed uint32) color.NRGBA {
	// Keep channels in a mid-tone band so panels and backgrounds stay
	// readable regardless of the hash.
	return color.NRGBA{
		R: uint8(64 + seed%128),
		G: uint8(64 + (seed>>8)%128),
		B: uint8(64 + (seed>>16)%128),
		A: 255,
	}
}
