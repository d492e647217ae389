// Package avatar produces room avatars: server favicons scaled to a fixed
// size, or a placeholder block rendered from an embedded SVG.
package avatar

import (
	"bytes"
	"embed"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/park285/mc-matrix-bridge/internal/mcserver"
)

// Size is the edge length of every avatar produced here.
const Size = 128

//go:embed assets/placeholder.svg
var assetFiles embed.FS

type placeholderKey struct {
	hostname string
	size     int
}

var (
	placeholderCache   = map[placeholderKey][]byte{}
	placeholderCacheMu sync.RWMutex
)

// Normalize decodes a PNG favicon and rescales it to size×size.
func Normalize(raw []byte, size int) ([]byte, error) {
	if size <= 0 {
		size = Size
	}
	src, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode favicon: %w", err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return encodePNG(dst)
}

// Placeholder renders the deterministic avatar for a server without a
// favicon. Colours and the letter derive from the hostname.
func Placeholder(server mcserver.Identity, size int) ([]byte, error) {
	if size <= 0 {
		size = Size
	}
	key := placeholderKey{hostname: server.Hostname, size: size}

	placeholderCacheMu.RLock()
	if b, ok := placeholderCache[key]; ok {
		placeholderCacheMu.RUnlock()
		return b, nil
	}
	placeholderCacheMu.RUnlock()

	data, err := assetFiles.ReadFile("assets/placeholder.svg")
	if err != nil {
		return nil, fmt.Errorf("read placeholder asset: %w", err)
	}
	top, dirt, speck := palette(server.Hostname)
	svg := strings.NewReplacer("#TOP", top, "#DIRT", dirt, "#SPECK", speck).Replace(string(data))

	icon, err := oksvg.ReadIconStream(strings.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("parse placeholder svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	drawInitial(img, initial(server.Hostname))

	b, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	placeholderCacheMu.Lock()
	placeholderCache[key] = b
	placeholderCacheMu.Unlock()
	return b, nil
}

// drawInitial draws letter with the 7x13 bitmap face onto a small canvas
// and scales it up nearest-neighbour so it stays blocky.
func drawInitial(dst *image.RGBA, letter string) {
	if letter == "" {
		return
	}
	face := basicfont.Face7x13
	glyph := image.NewRGBA(image.Rect(0, 0, 9, 15))
	d := &font.Drawer{
		Dst:  glyph,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(1, face.Metrics().Ascent.Ceil()+1),
	}
	d.DrawString(letter)

	edge := dst.Bounds().Dx() / 2
	h := edge * 15 / 9
	if h > dst.Bounds().Dy()*3/4 {
		h = dst.Bounds().Dy() * 3 / 4
		edge = h * 9 / 15
	}
	x0 := (dst.Bounds().Dx() - edge) / 2
	y0 := dst.Bounds().Dy() - h - dst.Bounds().Dy()/16
	draw.NearestNeighbor.Scale(dst, image.Rect(x0, y0, x0+edge, y0+h), glyph, glyph.Bounds(), draw.Over, nil)
}

func initial(hostname string) string {
	for _, r := range hostname {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return strings.ToUpper(string(r))
		}
	}
	return ""
}

// palette picks grass, dirt and speck colours from the hostname hash.
func palette(hostname string) (top, dirt, speck string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostname))
	sum := h.Sum32()
	hue := float64(sum%360) / 360
	return hsl(hue, 0.55, 0.45), hsl(hue+0.5, 0.35, 0.35), hsl(hue+0.5, 0.30, 0.25)
}

func hsl(h, s, l float64) string {
	for h >= 1 {
		h--
	}
	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	r := hueToRGB(p, q, h+1.0/3)
	g := hueToRGB(p, q, h)
	b := hueToRGB(p, q, h-1.0/3)
	return fmt.Sprintf("#%02x%02x%02x", toByte(r), toByte(g), toByte(b))
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 1.0/2:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	}
	return p
}

func toByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
