// Package export turns a published frame list into a downloadable animation.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/satindergrewal/bananatween/internal/intake"
	"github.com/satindergrewal/bananatween/internal/preview"
	"github.com/satindergrewal/bananatween/internal/tween"
	"github.com/setanarut/apng"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrNoFrames is returned when there is nothing to export.
var ErrNoFrames = errors.New("no frames to export")

// Delay is the per-frame delay in centiseconds, matching the preview rate.
const Delay = uint16(100 / preview.FPS)

// Background fills transparent areas of exported frames.
var Background color.Color = color.White

// MaxSide caps the canvas so a large upload cannot blow up memory.
const MaxSide = 1024

// EncodeAPNG writes frames as an infinitely looping animated PNG. Every
// frame is scaled onto the start frame's canvas.
func EncodeAPNG(w io.Writer, frames []tween.Frame) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}

	images := make([]image.Image, 0, len(frames))
	var canvas image.Rectangle
	for i, f := range frames {
		img, err := decodeFrame(f)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if i == 0 {
			canvas = canvasFor(img.Bounds())
		}
		images = append(images, fit(img, canvas))
	}

	delays := make([]uint16, len(images))
	for i := range delays {
		delays[i] = Delay
	}

	return apng.EncodeAll(w, &apng.APNG{
		Images:    images,
		Delays:    delays,
		LoopCount: 0,
	})
}

// Bytes is EncodeAPNG into memory.
func Bytes(frames []tween.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeAPNG(&buf, frames); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFrame(f tween.Frame) (image.Image, error) {
	src, err := intake.ParseDataURI(f.URL)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(src.Data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", src.MIMEType, err)
	}
	return img, nil
}

// canvasFor returns an origin-anchored rectangle the size of b, scaled down
// to fit within MaxSide.
func canvasFor(b image.Rectangle) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w > MaxSide || h > MaxSide {
		if w >= h {
			h = max(1, h*MaxSide/w)
			w = MaxSide
		} else {
			w = max(1, w*MaxSide/h)
			h = MaxSide
		}
	}
	return image.Rect(0, 0, w, h)
}

// fit flattens img onto an opaque canvas. Every frame must share one PNG
// colour type, so transparency is composited over Background.
func fit(img image.Image, canvas image.Rectangle) *image.NRGBA {
	dst := image.NewNRGBA(canvas)
	draw.Draw(dst, canvas, image.NewUniform(Background), image.Point{}, draw.Src)
	if img.Bounds().Size() == canvas.Size() {
		draw.Draw(dst, canvas, img, img.Bounds().Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, canvas, img, img.Bounds(), draw.Over, nil)
	return dst
}
