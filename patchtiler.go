// Package patchtiler cuts large annotated images into fixed-size training patches.
//
// Each annotation file (CSV, one per source image) is paired with the image it
// references. The image is cut into size×size patches and the annotation
// polygons are re-projected into every patch they touch, so that patch k of
// the image and patch k of the annotation describe the same pixels.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		patchtiler "github.com/menta2k/patch-tiler"
//	)
//
//	func main() {
//		tiler, err := patchtiler.New(patchtiler.Config{
//			AnnotationDir: "dataset/ann",
//			ImageDir:      "dataset/img",
//			OutputDir:     "dataset/patches",
//			PatchSize:     640,
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		summary, err := tiler.Run(context.Background())
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("%d items, %d patches", summary.Items, summary.Patches)
//	}
//
// The package consists of these components:
//
// 1. Plan (pkg/plan): computes the patch origins of an image
// 2. Cropper (pkg/cropper): cuts the image along the plan
// 3. Geometry (pkg/geometry): moves polygons into patch coordinates
// 4. Tiling (pkg/tiling): splits an annotation table along the plan
// 5. Annotation (pkg/annotation): reads and writes annotation tables
// 6. Processing (pkg/processing): reads and writes images
//
// Output goes to OutputDir/img ({image}_{k}.png) and OutputDir/ann
// ({annotation}_{k}.csv). Annotation files are only written for patches with
// at least one surviving row.
package patchtiler

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/menta2k/patch-tiler/internal/utils"
	"github.com/menta2k/patch-tiler/pkg/annotation"
	"github.com/menta2k/patch-tiler/pkg/cropper"
	"github.com/menta2k/patch-tiler/pkg/geometry"
	"github.com/menta2k/patch-tiler/pkg/plan"
	"github.com/menta2k/patch-tiler/pkg/processing"
	"github.com/menta2k/patch-tiler/pkg/tiling"
	"github.com/menta2k/patch-tiler/pkg/types"
)

// Version of the patch tiler
const Version = "1.0.0"

// ErrMissingSourceFile is returned when an annotation file or the image it
// references does not exist.
var ErrMissingSourceFile = errors.New("missing source file")

// ErrUnsupportedImage is returned when an annotation file references a file
// that is not a readable image format.
var ErrUnsupportedImage = errors.New("unsupported image")

const (
	manifestName = "manifest.json"
	debugDirName = "debug"
)

// Config controls a tiling run
type Config struct {
	AnnotationDir string
	ImageDir      string
	OutputDir     string
	PatchSize     int

	// Workers is the number of annotation files processed at once.
	Workers int
	// StopOnError aborts the batch at the first failed item.
	StopOnError bool
	// Manifest writes OutputDir/manifest.json after the run.
	Manifest bool
	// Detach copies every patch into its own buffer instead of sharing the
	// source pixels.
	Detach bool
	// Debug writes an overlay of the patch grid and polygons per item.
	Debug bool
	// DebugFormat is the overlay encoding: png (default), jpg or webp.
	DebugFormat    string
	DebugQuality   int
	DebugLossless  bool
	PNGCompression png.CompressionLevel
}

// ProgressFunc is called once per processed annotation file
type ProgressFunc func(done, total int, item string)

// Option configures a Tiler
type Option func(*Tiler)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tiler) {
		t.logger = logger
	}
}

// WithProgress sets the progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(t *Tiler) {
		t.progress = fn
	}
}

// Tiler drives image and annotation tiling over a directory of annotation files
type Tiler struct {
	config      Config
	processor   *processing.Processor
	debug       *processing.Processor
	cropper     *cropper.PatchCropper
	annotations *tiling.AnnotationTiler
	logger      zerolog.Logger
	progress    ProgressFunc
}

// New creates a Tiler
func New(config Config, opts ...Option) (*Tiler, error) {
	if config.PatchSize < 1 {
		return nil, errors.Wrapf(plan.ErrInvalidDimensions, "patch size %d must be positive", config.PatchSize)
	}
	if config.AnnotationDir == "" || config.ImageDir == "" || config.OutputDir == "" {
		return nil, errors.New("annotation, image and output directories are required")
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.DebugFormat == "" {
		config.DebugFormat = "png"
	}
	if config.DebugQuality < 1 {
		config.DebugQuality = 92
	}
	switch strings.ToLower(config.DebugFormat) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return nil, errors.Errorf("unsupported debug format %q", config.DebugFormat)
	}

	t := &Tiler{
		config: config,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	pc := processing.DefaultConfig()
	pc.PNGCompression = config.PNGCompression
	t.processor = processing.NewProcessorWithConfig(pc)
	t.debug = processing.NewProcessorWithConfig(processing.Config{
		PNGCompression: config.PNGCompression,
		JPEGQuality:    config.DebugQuality,
		WebPLossless:   config.DebugLossless,
	})
	t.cropper = cropper.NewWithConfig(cropper.CropConfig{Detach: config.Detach})
	t.annotations = tiling.New(t.logger)
	t.logger = t.logger.With().Str("component", "tiler").Logger()

	return t, nil
}

// ItemResult describes one processed annotation file
type ItemResult struct {
	Annotation         string
	Image              string
	Patches            int
	ImagesWritten      int
	AnnotationsWritten int
	Stats              tiling.Stats
	Manifest           types.ItemManifest
}

// Summary aggregates a run
type Summary struct {
	Items              int
	Succeeded          int
	Skipped            int
	Patches            int
	ImagesWritten      int
	AnnotationsWritten int
	Unlabeled          int
	Malformed          int
	Failed             []*ItemError
	Results            []ItemResult
}

// ItemError is a failure of one annotation file
type ItemError struct {
	File string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// BatchError lists the items that failed in a run that was not stopped early
type BatchError struct {
	Failed []*ItemError
}

func (e *BatchError) Error() string {
	msgs := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%d items failed: %s", len(e.Failed), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}

type outcome struct {
	result  ItemResult
	err     error
	skipped bool
}

// Run tiles every *.csv file of the annotation directory
func (t *Tiler) Run(ctx context.Context) (Summary, error) {
	layout, err := t.provision()
	if err != nil {
		return Summary{}, err
	}

	if !utils.DirExists(t.config.AnnotationDir) {
		return Summary{}, errors.Wrapf(ErrMissingSourceFile, "annotation directory %s", t.config.AnnotationDir)
	}
	files, err := utils.ListFiles(t.config.AnnotationDir, "csv")
	if err != nil {
		return Summary{}, errors.Wrap(err, "list annotation files")
	}

	t.logger.Info().
		Int("files", len(files)).
		Int("patch_size", t.config.PatchSize).
		Int("workers", t.config.Workers).
		Msg("starting")

	outcomes := t.runItems(ctx, layout, files)
	summary := summarize(outcomes)

	if t.config.Manifest {
		if err := t.writeManifest(layout, summary.Results); err != nil {
			return summary, err
		}
	}

	t.logger.Info().
		Int("items", summary.Items).
		Int("succeeded", summary.Succeeded).
		Int("failed", len(summary.Failed)).
		Int("patches", summary.Patches).
		Int("annotations_written", summary.AnnotationsWritten).
		Msg("finished")

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if len(summary.Failed) > 0 {
		if t.config.StopOnError {
			return summary, summary.Failed[0]
		}
		return summary, &BatchError{Failed: summary.Failed}
	}
	return summary, nil
}

// ProcessFile tiles a single annotation file
func (t *Tiler) ProcessFile(annotationPath string) (ItemResult, error) {
	layout, err := t.provision()
	if err != nil {
		return ItemResult{}, err
	}

	res, err := t.processItem(layout, annotationPath)
	if err != nil {
		return res, &ItemError{File: annotationPath, Err: err}
	}
	return res, nil
}

func (t *Tiler) provision() (utils.Layout, error) {
	layout, err := utils.ProvisionOutput(t.config.OutputDir)
	if err != nil {
		return utils.Layout{}, errors.Wrap(err, "provision output")
	}
	if t.config.Debug {
		if err := utils.EnsureDir(filepath.Join(layout.Root, debugDirName)); err != nil {
			return utils.Layout{}, errors.Wrap(err, "provision debug output")
		}
	}
	return layout, nil
}

func (t *Tiler) runItems(parent context.Context, layout utils.Layout, files []string) []outcome {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	outcomes := make([]outcome, len(files))
	jobs := make(chan int)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for w := 0; w < t.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					outcomes[i] = outcome{skipped: true}
					continue
				}

				res, err := t.processItem(layout, files[i])
				if err != nil {
					err = &ItemError{File: files[i], Err: err}
					t.logger.Warn().Err(err).Str("file", files[i]).Msg("item failed")
					if t.config.StopOnError {
						cancel()
					}
				}
				outcomes[i] = outcome{result: res, err: err}

				mu.Lock()
				done++
				n := done
				mu.Unlock()
				if t.progress != nil {
					t.progress(n, len(files), files[i])
				}
			}
		}()
	}

	for i := range files {
		if ctx.Err() != nil {
			outcomes[i] = outcome{skipped: true}
			continue
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

func summarize(outcomes []outcome) Summary {
	s := Summary{Items: len(outcomes)}
	for _, o := range outcomes {
		switch {
		case o.skipped:
			s.Skipped++
		case o.err != nil:
			var ie *ItemError
			if errors.As(o.err, &ie) {
				s.Failed = append(s.Failed, ie)
			}
		default:
			s.Succeeded++
			s.Patches += o.result.Patches
			s.ImagesWritten += o.result.ImagesWritten
			s.AnnotationsWritten += o.result.AnnotationsWritten
			s.Unlabeled += o.result.Stats.Unlabeled
			s.Malformed += o.result.Stats.Malformed
			s.Results = append(s.Results, o.result)
		}
	}
	return s
}

// processItem tiles one annotation file and its image with one shared plan
func (t *Tiler) processItem(layout utils.Layout, annotationPath string) (ItemResult, error) {
	table, err := annotation.Load(annotationPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ItemResult{}, errors.Wrapf(ErrMissingSourceFile, "annotation %s", annotationPath)
		}
		return ItemResult{}, err
	}

	imageName, err := table.ImageReference()
	if err != nil {
		return ItemResult{}, err
	}

	if !utils.IsImageFile(imageName) {
		return ItemResult{}, errors.Wrapf(ErrUnsupportedImage, "image file %q", imageName)
	}
	imagePath := filepath.Join(t.config.ImageDir, imageName)
	if !utils.FileExists(imagePath) {
		return ItemResult{}, errors.Wrapf(ErrMissingSourceFile, "image %s", imagePath)
	}
	img, err := t.processor.LoadImage(imagePath)
	if err != nil {
		return ItemResult{}, errors.Wrapf(err, "load image %s", imagePath)
	}

	bounds := img.Bounds()
	p, err := plan.New(bounds.Dx(), bounds.Dy(), t.config.PatchSize)
	if err != nil {
		return ItemResult{}, errors.Wrapf(err, "image %s", imageName)
	}

	patches, err := t.cropper.Crop(img, p)
	if err != nil {
		return ItemResult{}, err
	}
	tiled, err := t.annotations.Tile(table, p)
	if err != nil {
		return ItemResult{}, err
	}

	res := ItemResult{
		Annotation: annotationPath,
		Image:      imagePath,
		Patches:    p.Count(),
		Stats:      tiled.Stats,
		Manifest: types.ItemManifest{
			Annotation: filepath.Base(annotationPath),
			Image:      imageName,
			Width:      p.Width,
			Height:     p.Height,
			PatchSize:  p.Size,
			Patches:    make([]types.PatchEntry, 0, p.Count()),
		},
	}

	for k, patch := range patches {
		imgName := utils.PatchFilename(imageName, k, tiling.PatchImageExt)
		if err := t.processor.SaveImage(patch.Image, filepath.Join(layout.ImageDir, imgName)); err != nil {
			return res, errors.Wrapf(err, "save patch %d", k)
		}
		res.ImagesWritten++

		entry := types.PatchEntry{Index: k, X: patch.Origin.X, Y: patch.Origin.Y, Image: imgName}
		if pt := tiled.Patches[k]; pt.Table != nil {
			annName := utils.PatchFilename(annotationPath, k, "csv")
			if err := pt.Table.Save(filepath.Join(layout.AnnotationDir, annName)); err != nil {
				return res, errors.Wrapf(err, "save patch annotation %d", k)
			}
			res.AnnotationsWritten++
			entry.Annotation = annName
			entry.Rows = pt.Table.Len()
		}
		res.Manifest.Patches = append(res.Manifest.Patches, entry)
	}

	if t.config.Debug {
		if err := t.writeOverlay(layout, img, p, table); err != nil {
			t.logger.Warn().Err(err).Str("file", annotationPath).Msg("debug overlay failed")
		}
	}

	t.logger.Info().
		Str("file", filepath.Base(annotationPath)).
		Str("image", imageName).
		Int("patches", res.Patches).
		Int("annotations_written", res.AnnotationsWritten).
		Int("unlabeled", res.Stats.Unlabeled).
		Int("malformed", res.Stats.Malformed).
		Msg("tiled")

	return res, nil
}

func (t *Tiler) writeOverlay(layout utils.Layout, img image.Image, p plan.Plan, table *annotation.Table) error {
	rects := make([]image.Rectangle, p.Count())
	for k := range rects {
		rects[k] = p.Rect(k).Add(img.Bounds().Min)
	}

	var polygons [][]image.Point
	for _, row := range table.Rows() {
		if !row.Labeled {
			continue
		}
		poly, err := geometry.Parse(row.Vertices)
		if err != nil {
			continue
		}
		pts := make([]image.Point, len(poly))
		for i, v := range poly {
			pts[i] = image.Pt(int(v.X), int(v.Y)).Add(img.Bounds().Min)
		}
		polygons = append(polygons, pts)
	}

	overlay := t.debug.CreateDebugOverlay(img, rects, polygons)
	name := utils.BaseName(table.Name) + "_grid." + strings.ToLower(t.config.DebugFormat)
	return t.debug.SaveImage(overlay, filepath.Join(layout.Root, debugDirName, name))
}
