package watermark

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const (
	MaxWidth  = 1280
	MaxHeight = 720
	quality   = 85
)

// Renderer turns a generated image into a low-resolution preview stamped
// with a label.
type Renderer struct {
	text string
}

func New(text string) *Renderer {
	if text == "" {
		text = "PREVIEW"
	}
	return &Renderer{text: text}
}

// Apply downscales the image to fit MaxWidth x MaxHeight, stamps the label
// across the middle and returns JPEG bytes.
func (r *Renderer) Apply(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), MaxWidth, MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	r.stamp(dst)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// stamp renders the label with the bitmap face and scales it up to span most
// of the image width.
func (r *Renderer) stamp(dst *image.RGBA) {
	face := basicfont.Face7x13
	textW := font.MeasureString(face, r.text).Ceil()
	const pad = 4
	label := image.NewRGBA(image.Rect(0, 0, textW+2*pad, face.Height+2*pad))
	draw.Draw(label, label.Bounds(), image.NewUniform(color.NRGBA{A: 110}), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  label,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 200}),
		Face: face,
		Dot:  fixed.P(pad, pad+face.Ascent),
	}
	d.DrawString(r.text)

	bounds := dst.Bounds()
	targetW := bounds.Dx() * 7 / 10
	targetH := targetW * label.Bounds().Dy() / label.Bounds().Dx()
	if targetH > bounds.Dy()/3 {
		targetH = bounds.Dy() / 3
		targetW = targetH * label.Bounds().Dx() / label.Bounds().Dy()
	}
	if targetW <= 0 || targetH <= 0 {
		return
	}
	x := (bounds.Dx() - targetW) / 2
	y := (bounds.Dy() - targetH) / 2
	draw.NearestNeighbor.Scale(dst, image.Rect(x, y, x+targetW, y+targetH), label, label.Bounds(), draw.Over, nil)
}

// fit scales w x h down to fit inside maxW x maxH, keeping the aspect ratio.
// Smaller images keep their size.
func fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		return maxW, max(1, h*maxW/w)
	}
	return max(1, w*maxH/h), maxH
}
