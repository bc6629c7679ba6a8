package cropper

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"github.com/menta2k/patch-tiler/pkg/plan"
)

// PatchCropper cuts images into the patches of a plan
type PatchCropper struct {
	config CropConfig
}

// CropConfig holds configuration for patch cropping
type CropConfig struct {
	// Detach copies every patch into its own NRGBA buffer instead of
	// sharing the source pixels.
	Detach bool
}

// New creates a new PatchCropper with default configuration
func New() *PatchCropper {
	return &PatchCropper{}
}

// NewWithConfig creates a new PatchCropper with custom configuration
func NewWithConfig(config CropConfig) *PatchCropper {
	return &PatchCropper{config: config}
}

// Patch is one cropped tile
type Patch struct {
	Index  int
	Origin image.Point
	Image  image.Image
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns one size×size sub-image per plan origin, in plan order. No
// resampling is done. Unless detached, sub-images keep the source pixel type.
func (c *PatchCropper) Crop(img image.Image, p plan.Plan) ([]Patch, error) {
	bounds := img.Bounds()
	if bounds.Dx() != p.Width || bounds.Dy() != p.Height {
		return nil, errors.Wrapf(plan.ErrInvalidDimensions,
			"image is %dx%d but plan is for %dx%d", bounds.Dx(), bounds.Dy(), p.Width, p.Height)
	}

	patches := make([]Patch, 0, p.Count())
	for k, origin := range p.Origins {
		rect := p.Rect(k).Add(bounds.Min)
		if !rect.In(bounds) {
			return nil, errors.Wrapf(plan.ErrInvalidDimensions, "patch %d %v outside image %v", k, rect, bounds)
		}

		patches = append(patches, Patch{
			Index:  k,
			Origin: origin,
			Image:  c.cropToRect(img, rect),
		})
	}
	return patches, nil
}

func (c *PatchCropper) cropToRect(img image.Image, rect image.Rectangle) image.Image {
	if c.config.Detach {
		return imaging.Crop(img, rect)
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(rect)
	}
	return &croppedImage{
		original: img,
		bounds:   rect,
	}
}

// Stitch pastes patches back onto a width×height canvas at their origins.
// Where patches overlap, later ones win.
func Stitch(patches []Patch, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	for _, p := range patches {
		b := p.Image.Bounds()
		r := image.Rectangle{Min: p.Origin, Max: p.Origin.Add(b.Size())}
		xdraw.Draw(dst, r, p.Image, b.Min, xdraw.Src)
	}
	return dst
}

// croppedImage implements the image.Image interface for images that cannot
// produce a SubImage
type croppedImage struct {
	original image.Image
	bounds   image.Rectangle
}

func (c *croppedImage) ColorModel() color.Model {
	return c.original.ColorModel()
}

func (c *croppedImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, c.bounds.Dx(), c.bounds.Dy())
}

func (c *croppedImage) At(x, y int) color.Color {
	pt := image.Point{x, y}
	if !pt.In(c.Bounds()) {
		return c.original.ColorModel().Convert(color.Transparent)
	}
	return c.original.At(x+c.bounds.Min.X, y+c.bounds.Min.Y)
}
