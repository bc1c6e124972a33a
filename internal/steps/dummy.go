// Package steps provides the step implementations the pipeline executor runs.
package steps

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"genjobs/internal/pipeline"
)

const dummySize = 64

var (
	dummyBackground = color.RGBA{R: 173, G: 216, B: 230, A: 255}
	dummyText       = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// Dummy produces small deterministic images without any model. Each step
// reports a fixed number of progress ticks, sleeping Delay between them.
type Dummy struct {
	Delay time.Duration
}

// Steps returns a dummy implementation for every pipeline step.
func (d Dummy) Steps() pipeline.StepSet {
	return pipeline.StepSet{
		pipeline.StepBackground: d.background,
		pipeline.StepText:       d.text,
		pipeline.StepComposite:  d.composite,
	}
}

func (d Dummy) background(ctx context.Context, in pipeline.StepInput) (string, error) {
	if err := d.tick(ctx, in, 10); err != nil {
		return "", err
	}
	img := image.NewRGBA(image.Rect(0, 0, dummySize, dummySize))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: dummyBackground}, image.Point{}, draw.Src)
	return writePNG(in, img)
}

func (d Dummy) text(ctx context.Context, in pipeline.StepInput) (string, error) {
	if err := d.tick(ctx, in, 5); err != nil {
		return "", err
	}
	// Transparent layer with a solid band where the text would go.
	img := image.NewRGBA(image.Rect(0, 0, dummySize, dummySize))
	band := image.Rect(dummySize/8, dummySize/8, dummySize*7/8, dummySize*3/8)
	draw.Draw(img, band, &image.Uniform{C: dummyText}, image.Point{}, draw.Src)
	return writePNG(in, img)
}

func (d Dummy) composite(ctx context.Context, in pipeline.StepInput) (string, error) {
	if err := d.tick(ctx, in, 5); err != nil {
		return "", err
	}

	out := image.NewRGBA(image.Rect(0, 0, dummySize, dummySize))
	if bg, err := decodePNG(in.Previous[pipeline.StepBackground]); err == nil {
		draw.Draw(out, out.Bounds(), bg, bg.Bounds().Min, draw.Src)
	} else {
		slog.Debug("Dummy composite using plain background", "jobId", in.JobID, "error", err)
		draw.Draw(out, out.Bounds(), &image.Uniform{C: dummyBackground}, image.Point{}, draw.Src)
	}
	if layer, err := decodePNG(in.Previous[pipeline.StepText]); err == nil {
		draw.Draw(out, out.Bounds(), layer, layer.Bounds().Min, draw.Over)
	}
	return writePNG(in, out)
}

func (d Dummy) tick(ctx context.Context, in pipeline.StepInput, total int) error {
	for i := 1; i <= total; i++ {
		if d.Delay > 0 {
			select {
			case <-ctx.Done():
				return pipeline.ErrCancelled
			case <-time.After(d.Delay):
			}
		}
		if in.Progress != nil {
			if err := in.Progress(i, total); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePNG(in pipeline.StepInput, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}

	dir := in.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	path := filepath.Join(dir, in.Step+".png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func decodePNG(path string) (image.Image, error) {
	if path == "" {
		return nil, fmt.Errorf("no input")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}
