package processing

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/patch-tiler/internal/utils"
)

// Config controls how images are encoded
type Config struct {
	PNGCompression png.CompressionLevel
	JPEGQuality    int
	WebPLossless   bool
}

// DefaultConfig returns the encoder settings used for patch output
func DefaultConfig() Config {
	return Config{
		PNGCompression: png.DefaultCompression,
		JPEGQuality:    95,
		WebPLossless:   true,
	}
}

// Processor handles image loading and saving
type Processor struct {
	config Config
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{config: DefaultConfig()}
}

// NewProcessorWithConfig creates an image processor with custom encoder settings
func NewProcessorWithConfig(config Config) *Processor {
	return &Processor{config: config}
}

// LoadImage loads an image from a file path with WebP support. The decoded
// image keeps the pixel type of the file.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".webp") {
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("image: unknown format for %s", path)
}

// SaveImage writes an image atomically, picking the encoder from the
// file extension (png, jpg, gif, bmp, tiff or webp)
func (p *Processor) SaveImage(img image.Image, path string) error {
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		return p.Encode(w, img, utils.GetFileExtension(path))
	})
}

// Encode writes img to w in the given format
func (p *Processor) Encode(w io.Writer, img image.Image, format string) error {
	if strings.EqualFold(format, "webp") {
		opts := &webp.Options{Lossless: p.config.WebPLossless, Quality: float32(p.config.JPEGQuality)}
		return webp.Encode(w, img, opts)
	}

	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return err
	}
	return imaging.Encode(w, img, f,
		imaging.PNGCompressionLevel(p.config.PNGCompression),
		imaging.JPEGQuality(p.config.JPEGQuality),
	)
}

// CreateDebugOverlay draws the patch rectangles and annotation polygons over
// a copy of img
func (p *Processor) CreateDebugOverlay(img image.Image, patches []image.Rectangle, polygons [][]image.Point) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	// Colors
	gold := color.NRGBA{255, 204, 0, 255} // patch boxes
	green := color.NRGBA{0, 255, 0, 255}  // polygons
	stroke := int(math.Max(1, 0.002*float64(minInt(w, h))))

	offset := img.Bounds().Min
	for _, r := range patches {
		drawRect(nrgba, r.Sub(offset), gold, stroke)
	}

	for _, poly := range polygons {
		for i := range poly {
			a := poly[i].Sub(offset)
			b := poly[(i+1)%len(poly)].Sub(offset)
			drawLine(nrgba, a, b, green)
		}
	}

	return nrgba
}

// Helper functions
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func drawRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

// drawLine plots a one pixel line with Bresenham's algorithm
func drawLine(img *image.NRGBA, a, b image.Point, c color.NRGBA) {
	dx := absInt(b.X - a.X)
	dy := -absInt(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}

	err := dx + dy
	x, y := a.X, a.Y
	for {
		if (image.Point{x, y}).In(img.Bounds()) {
			img.SetNRGBA(x, y, c)
		}
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
