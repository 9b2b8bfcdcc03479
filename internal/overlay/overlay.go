// Package overlay draws the verification HUD onto camera frames and encodes
// them for streaming.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	green  = color.RGBA{0, 200, 0, 255}
	orange = color.RGBA{255, 165, 0, 255}
	red    = color.RGBA{220, 0, 0, 255}
	white  = color.RGBA{255, 255, 255, 255}
	hudBg  = color.RGBA{0, 0, 0, 160}
)

const (
	lineWidth   = 2
	hudHeight   = 22
	labelHeight = 16
)

// FaceBox is a detected face in frame coordinates.
type FaceBox struct {
	Box     image.Rectangle
	Matched bool
}

// State is what the HUD reports for the current frame.
type State struct {
	FaceMatched     bool
	LocationKnown   bool
	LocationMatched bool
	DistanceMeters  float64
	Committed       bool
}

// Downscale returns img scaled by factor (0,1]. A factor of 1 copies the
// image into an RGBA buffer.
func Downscale(img image.Image, factor float64) *image.RGBA {
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*factor))
	h := max(1, int(float64(b.Dy())*factor))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// ScaleBox maps a rectangle from detection space back to frame space.
func ScaleBox(r image.Rectangle, factor float64) image.Rectangle {
	if factor <= 0 {
		return r
	}
	inv := 1 / factor
	return image.Rect(
		int(float64(r.Min.X)*inv), int(float64(r.Min.Y)*inv),
		int(float64(r.Max.X)*inv), int(float64(r.Max.Y)*inv),
	)
}

// Render draws face boxes, the status bar and the commit banner on a copy of img.
func Render(img image.Image, faces []FaceBox, st State) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	for _, f := range faces {
		c, label := faceStyle(f.Matched, st.LocationMatched)
		drawRect(dst, f.Box, c)

		labelBox := image.Rect(f.Box.Min.X, f.Box.Max.Y-labelHeight, f.Box.Max.X, f.Box.Max.Y)
		draw.Draw(dst, labelBox, image.NewUniform(c), image.Point{}, draw.Src)
		drawText(dst, f.Box.Min.X+4, f.Box.Max.Y-4, label, white)
	}

	draw.Draw(dst, image.Rect(0, 0, b.Dx(), hudHeight), image.NewUniform(hudBg), image.Point{}, draw.Over)
	drawText(dst, 6, 15, HUDText(st), white)

	if st.Committed {
		y := b.Dy() - 14
		draw.Draw(dst, image.Rect(0, y-16, b.Dx(), y+6), image.NewUniform(green), image.Point{}, draw.Src)
		drawText(dst, 6, y, "ATTENDANCE RECORDED", white)
	}

	return dst
}

// HUDText renders the top status line.
func HUDText(st State) string {
	face := "NO"
	if st.FaceMatched {
		face = "OK"
	}

	loc, dist := "WAIT", "Waiting..."
	if st.LocationKnown {
		loc = "NO"
		if st.LocationMatched {
			loc = "OK"
		}
		dist = fmt.Sprintf("%.1fm", st.DistanceMeters)
	}

	return fmt.Sprintf("Face: %s | Loc: %s (%s)", face, loc, dist)
}

func faceStyle(faceMatched, locationMatched bool) (color.RGBA, string) {
	switch {
	case faceMatched && locationMatched:
		return green, "Verified"
	case faceMatched:
		return orange, "Location Fail"
	default:
		return red, "Unknown"
	}
}

func drawRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	for w := 0; w < lineWidth; w++ {
		drawHLine(dst, r.Min.X, r.Max.X, r.Min.Y+w, c)
		drawHLine(dst, r.Min.X, r.Max.X, r.Max.Y-w, c)
		drawVLine(dst, r.Min.Y, r.Max.Y, r.Min.X+w, c)
		drawVLine(dst, r.Min.Y, r.Max.Y, r.Max.X-w, c)
	}
}

func drawHLine(dst *image.RGBA, x1, x2, y int, c color.RGBA) {
	b := dst.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	for x := max(x1, b.Min.X); x <= x2 && x < b.Max.X; x++ {
		dst.SetRGBA(x, y, c)
	}
}

func drawVLine(dst *image.RGBA, y1, y2, x int, c color.RGBA) {
	b := dst.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	for y := max(y1, b.Min.Y); y <= y2 && y < b.Max.Y; y++ {
		dst.SetRGBA(x, y, c)
	}
}

func drawText(dst *image.RGBA, x, y int, s string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
