// Package tiling splits an annotation table along a patch plan.
//
// Every row is tested against every patch. A row lands in a patch when it is
// labeled, its vertices parse, and its polygon touches the patch on both
// axes; its vertices are then rewritten in patch-local coordinates and its
// image reference points at the patch image.
package tiling

import (
	"image"

	"github.com/rs/zerolog"

	"github.com/menta2k/patch-tiler/internal/utils"
	"github.com/menta2k/patch-tiler/pkg/annotation"
	"github.com/menta2k/patch-tiler/pkg/geometry"
	"github.com/menta2k/patch-tiler/pkg/plan"
)

// PatchImageExt is the extension of patch images referenced by patch tables.
const PatchImageExt = "png"

// PatchTable is the annotation subset of one patch.
type PatchTable struct {
	Index  int
	Origin image.Point
	// Table is nil when no row survived for this patch.
	Table *annotation.Table
}

// Stats counts how the source rows were classified.
type Stats struct {
	Rows      int
	Unlabeled int
	Malformed int
	// Placements is the number of (row, patch) pairs written.
	Placements int
}

// Result is the output of tiling one table.
type Result struct {
	Patches []PatchTable
	Stats   Stats
}

// AnnotationTiler tiles annotation tables. It keeps no state between tables.
type AnnotationTiler struct {
	logger zerolog.Logger
}

// New returns an AnnotationTiler that reports skipped rows to logger.
func New(logger zerolog.Logger) *AnnotationTiler {
	return &AnnotationTiler{logger: logger.With().Str("component", "tiling").Logger()}
}

// AdjustRow returns the row's polygon in the frame of the patch at origin,
// or false when the row is unlabeled, malformed or outside the patch.
func AdjustRow(row annotation.Row, origin image.Point, size int) (geometry.Polygon, bool) {
	if !row.Labeled {
		return nil, false
	}
	poly, err := geometry.Parse(row.Vertices)
	if err != nil {
		return nil, false
	}
	return geometry.Adjust(poly, origin, size)
}

type candidate struct {
	row  annotation.Row
	poly geometry.Polygon
}

// Tile produces one PatchTable per plan origin, in plan order.
func (t *AnnotationTiler) Tile(table *annotation.Table, p plan.Plan) (Result, error) {
	candidates, stats := t.prepare(table)
	// rows without an image file cell name the table's image
	fallback, _ := table.ImageReference()

	patches := make([]PatchTable, 0, p.Count())
	for k, origin := range p.Origins {
		var (
			rows      []int
			vertices  []string
			imageRefs []string
		)
		for _, c := range candidates {
			adjusted, ok := geometry.Adjust(c.poly, origin, p.Size)
			if !ok {
				continue
			}
			rows = append(rows, c.row.Index)
			vertices = append(vertices, geometry.Format(adjusted))
			source := c.row.ImageFile
			if source == "" {
				source = fallback
			}
			imageRefs = append(imageRefs, utils.PatchFilename(source, k, PatchImageExt))
		}

		pt := PatchTable{Index: k, Origin: origin}
		if len(rows) > 0 {
			sub, err := table.Patch(rows, vertices, imageRefs)
			if err != nil {
				return Result{}, err
			}
			pt.Table = sub
			stats.Placements += len(rows)
		}
		patches = append(patches, pt)
	}

	return Result{Patches: patches, Stats: stats}, nil
}

// prepare parses every labeled row once so patches only run the adjuster.
func (t *AnnotationTiler) prepare(table *annotation.Table) ([]candidate, Stats) {
	rows := table.Rows()
	stats := Stats{Rows: len(rows)}

	candidates := make([]candidate, 0, len(rows))
	for _, row := range rows {
		if !row.Labeled {
			stats.Unlabeled++
			continue
		}
		poly, err := geometry.Parse(row.Vertices)
		if err != nil {
			stats.Malformed++
			t.logger.Debug().
				Str("file", table.Name).
				Int("row", row.Index).
				Err(err).
				Msg("skipping row with malformed vertices")
			continue
		}
		candidates = append(candidates, candidate{row: row, poly: poly})
	}
	return candidates, stats
}
