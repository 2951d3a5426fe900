package compositor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
)

// BackgroundType selects how a background is rendered.
type BackgroundType string

const (
	BackgroundNone  BackgroundType = "none"
	BackgroundBlur  BackgroundType = "blur"
	BackgroundImage BackgroundType = "image"
	BackgroundVideo BackgroundType = "video"
)

// Background is a selectable background profile.
type Background struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       BackgroundType `json:"type"`
	Source     string         `json:"source,omitempty"`
	BlurAmount float64        `json:"blur_amount,omitempty"`
}

// NeedsSegmentation reports whether rendering b requires a person mask.
func (b Background) NeedsSegmentation() bool {
	return b.Type == BackgroundImage || b.Type == BackgroundVideo
}

// DefaultBackgrounds returns the built-in catalog.
func DefaultBackgrounds() []Background {
	return []Background{
		{ID: "none", Name: "None", Type: BackgroundNone},
		{ID: "blur-light", Name: "Light blur", Type: BackgroundBlur, BlurAmount: 4},
		{ID: "blur-strong", Name: "Strong blur", Type: BackgroundBlur, BlurAmount: 12},
		{ID: "studio", Name: "Studio", Type: BackgroundImage, Source: studioSource},
	}
}

var studioSource = gradientDataURL(320, 240, color.NRGBA{R: 0x1f, G: 0x3a, B: 0x5f, A: 0xff}, color.NRGBA{R: 0x8c, G: 0xa6, B: 0xc4, A: 0xff})

// gradientDataURL renders a vertical gradient as a PNG data URL.
func gradientDataURL(w, h int, top, bottom color.NRGBA) string {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		t := float64(y) / float64(h-1)
		c := color.NRGBA{
			R: lerp(top.R, bottom.R, t),
			G: lerp(top.G, bottom.G, t),
			B: lerp(top.B, bottom.B, t),
			A: 0xff,
		}
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}

// loadSource decodes a background source. Data URLs are decoded inline and
// anything else is opened as a file. Animated sources yield their first frame.
func loadSource(source string) (image.Image, error) {
	if source == "" {
		return nil, fmt.Errorf("empty background source")
	}
	if !strings.HasPrefix(source, "data:") {
		img, err := imaging.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open background: %w", err)
		}
		return img, nil
	}

	comma := strings.IndexByte(source, ',')
	if comma < 0 || !strings.HasSuffix(source[:comma], ";base64") {
		return nil, fmt.Errorf("unsupported data url")
	}
	data, err := base64.StdEncoding.DecodeString(source[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode background: %w", err)
	}
	return img, nil
}
