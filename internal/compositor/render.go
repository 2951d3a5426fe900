package compositor

import (
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
)

// blurFrame blurs the whole frame.
func blurFrame(frame *image.RGBA, sigma float64) *image.RGBA {
	if sigma <= 0 {
		sigma = 8
	}
	return toRGBA(imaging.Blur(frame, sigma))
}

// composite draws bg fitted to the frame, then the frame through mask.
func composite(bg image.Image, frame *image.RGBA, mask *image.Alpha) *image.RGBA {
	b := frame.Bounds()
	fitted := imaging.Fill(bg, b.Dx(), b.Dy(), imaging.Center, imaging.Linear)

	out := image.NewRGBA(b)
	draw.Draw(out, b, fitted, image.Point{}, draw.Src)
	if mask.Bounds().Dx() != b.Dx() || mask.Bounds().Dy() != b.Dy() {
		mask = toAlpha(imaging.Resize(mask, b.Dx(), b.Dy(), imaging.Linear))
	}
	draw.DrawMask(out, b, frame, b.Min, mask, mask.Bounds().Min, draw.Over)
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// toAlpha converts a mask image to an alpha channel. Opaque images are read
// by luminance, translucent ones by their alpha.
func toAlpha(img image.Image) *image.Alpha {
	switch m := img.(type) {
	case *image.Alpha:
		return m
	case *image.Gray:
		return &image.Alpha{Pix: m.Pix, Stride: m.Stride, Rect: m.Rect}
	}

	b := img.Bounds()
	out := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			v := a
			if a == 0xffff {
				v = (19595*r + 38470*g + 7471*bl + 1<<15) >> 16
			}
			out.Pix[(y-b.Min.Y)*out.Stride+(x-b.Min.X)] = uint8(v >> 8)
		}
	}
	return out
}
