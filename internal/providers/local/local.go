// Package local transforms images in-process with imaging.
package local

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"

	"photo-processor/internal/providers"
)

// MaxDimension bounds the longest side of an upscaled image.
const MaxDimension = 8192

type Processor struct {
	contrast float64
	sharpen  float64
}

func New() *Processor {
	return &Processor{contrast: 12, sharpen: 0.8}
}

// Enhance lifts contrast and sharpens, returning PNG.
func (p *Processor) Enhance(ctx context.Context, img []byte) ([]byte, error) {
	src, err := decode(ctx, img)
	if err != nil {
		return nil, providers.Wrap(providers.Local, "enhance", err)
	}
	out := imaging.AdjustContrast(src, p.contrast)
	out = imaging.Sharpen(out, p.sharpen)
	data, err := encode(out)
	return data, providers.Wrap(providers.Local, "enhance", err)
}

func (p *Processor) Rerender(context.Context, []byte, string) ([]byte, error) {
	return nil, providers.Wrap(providers.Local, "rerender", providers.ErrUnsupported)
}

// Upscale resizes by scale with Lanczos resampling.
func (p *Processor) Upscale(ctx context.Context, img []byte, scale int) ([]byte, error) {
	if scale < 1 {
		return nil, providers.Wrap(providers.Local, "upscale", fmt.Errorf("invalid scale %d", scale))
	}
	src, err := decode(ctx, img)
	if err != nil {
		return nil, providers.Wrap(providers.Local, "upscale", err)
	}

	b := src.Bounds()
	w, h := b.Dx()*scale, b.Dy()*scale
	if w > MaxDimension || h > MaxDimension {
		return nil, providers.Wrap(providers.Local, "upscale",
			fmt.Errorf("%dx%d exceeds max dimension %d", w, h, MaxDimension))
	}

	out := imaging.Resize(src, w, h, imaging.Lanczos)
	data, err := encode(out)
	return data, providers.Wrap(providers.Local, "upscale", err)
}

func decode(ctx context.Context, data []byte) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, providers.ErrEmptyResponse
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

var (
	_ providers.Enhancer   = (*Processor)(nil)
	_ providers.Rerenderer = (*Processor)(nil)
	_ providers.Upscaler   = (*Processor)(nil)
)
