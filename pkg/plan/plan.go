// Package plan computes the patch layout shared by image and annotation tiling.
//
// A Plan covers a width×height raster with size×size patches in row-major
// order. Patches in the last row or column are shifted back so they end on the
// image edge instead of being padded, which means trailing patches may overlap
// their neighbours.
package plan

import (
	"image"

	"github.com/pkg/errors"
)

// ErrInvalidDimensions is returned when the raster is smaller than one patch.
var ErrInvalidDimensions = errors.New("invalid dimensions")

// Plan is an ordered list of patch origins. The index of an origin is the
// patch index used in every output filename.
type Plan struct {
	Width   int
	Height  int
	Size    int
	Origins []image.Point
}

// New builds the plan for a width×height raster and the given patch size.
func New(width, height, size int) (Plan, error) {
	if size <= 0 {
		return Plan{}, errors.Wrapf(ErrInvalidDimensions, "patch size %d must be positive", size)
	}
	if width < size || height < size {
		return Plan{}, errors.Wrapf(ErrInvalidDimensions,
			"image %dx%d is smaller than patch size %d", width, height, size)
	}

	xs := axis(width, size)
	ys := axis(height, size)

	origins := make([]image.Point, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			origins = append(origins, image.Pt(x, y))
		}
	}

	return Plan{
		Width:   width,
		Height:  height,
		Size:    size,
		Origins: origins,
	}, nil
}

// axis returns the patch starts along one dimension, correcting the last one
// so it ends exactly on the edge.
func axis(length, size int) []int {
	starts := make([]int, 0, (length+size-1)/size)
	for p := 0; p < length; p += size {
		if p+size > length {
			p = length - size
		}
		starts = append(starts, p)
	}
	return starts
}

// Count returns the number of patches.
func (p Plan) Count() int {
	return len(p.Origins)
}

// Rect returns the pixel rectangle of patch k in image coordinates.
func (p Plan) Rect(k int) image.Rectangle {
	o := p.Origins[k]
	return image.Rect(o.X, o.Y, o.X+p.Size, o.Y+p.Size)
}

// Bounds returns the raster rectangle the plan was built for.
func (p Plan) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.Width, p.Height)
}
