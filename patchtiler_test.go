package patchtiler

import (
	"context"
	"encoding/csv"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/menta2k/patch-tiler/pkg/annotation"
	"github.com/menta2k/patch-tiler/pkg/plan"
)

// createTestImage creates a gradient test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 20), uint8(y * 20), 128, 255})
		}
	}
	return img
}

type dataset struct {
	annDir string
	imgDir string
	outDir string
}

func newDataset(t *testing.T) dataset {
	t.Helper()
	root := t.TempDir()
	d := dataset{
		annDir: filepath.Join(root, "ann"),
		imgDir: filepath.Join(root, "img"),
		outDir: filepath.Join(root, "out"),
	}
	for _, dir := range []string{d.annDir, d.imgDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func (d dataset) writeImage(t *testing.T, name string, img image.Image) {
	t.Helper()
	f, err := os.Create(filepath.Join(d.imgDir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func (d dataset) writeCSV(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(d.annDir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (d dataset) tiler(t *testing.T, size int, opts ...Option) *Tiler {
	t.Helper()
	tiler, err := New(Config{
		AnnotationDir: d.annDir,
		ImageDir:      d.imgDir,
		OutputDir:     d.outDir,
		PatchSize:     size,
	}, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tiler
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func readRecords(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return records
}

const boardCSV = "Image File,Designator,Vertices\n" +
	"board.png,C1,\"[[[1,1],[3,3]]]\"\n" +
	"board.png,,\"[[[2,2],[4,4]]]\"\n"

func TestNew(t *testing.T) {
	d := newDataset(t)
	tiler := d.tiler(t, 6)
	if tiler.processor == nil || tiler.cropper == nil || tiler.annotations == nil {
		t.Error("Tiler components should be initialized")
	}
	if tiler.config.Workers != 1 {
		t.Errorf("Expected 1 worker by default, got %d", tiler.config.Workers)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	if _, err := New(Config{AnnotationDir: "a", ImageDir: "b", OutputDir: "c"}); !errors.Is(err, plan.ErrInvalidDimensions) {
		t.Errorf("Expected ErrInvalidDimensions for zero patch size, got %v", err)
	}
	if _, err := New(Config{PatchSize: 6}); err == nil {
		t.Error("Expected error for missing directories")
	}
	if _, err := New(Config{AnnotationDir: "a", ImageDir: "b", OutputDir: "c", PatchSize: 6, DebugFormat: "gif"}); err == nil {
		t.Error("Expected error for an unsupported debug format")
	}
}

func TestRunTenByTen(t *testing.T) {
	d := newDataset(t)
	src := createTestImage(10, 10)
	d.writeImage(t, "board.png", src)
	d.writeCSV(t, "board.csv", boardCSV)

	summary, err := d.tiler(t, 6).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Items != 1 || summary.Succeeded != 1 || summary.Patches != 4 {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if summary.Unlabeled != 1 {
		t.Errorf("Expected 1 unlabeled row, got %d", summary.Unlabeled)
	}

	images := listDir(t, filepath.Join(d.outDir, "img"))
	wantImages := []string{"board_0.png", "board_1.png", "board_2.png", "board_3.png"}
	if len(images) != len(wantImages) {
		t.Fatalf("Expected images %v, got %v", wantImages, images)
	}
	for i := range wantImages {
		if images[i] != wantImages[i] {
			t.Errorf("Expected %s, got %s", wantImages[i], images[i])
		}
	}

	anns := listDir(t, filepath.Join(d.outDir, "ann"))
	if len(anns) != 1 || anns[0] != "board_0.csv" {
		t.Fatalf("Expected only board_0.csv, got %v", anns)
	}

	records := readRecords(t, filepath.Join(d.outDir, "ann", "board_0.csv"))
	want := [][]string{
		{"Image File", "Designator", "Vertices"},
		{"board_0.png", "C1", "[[[1, 1], [3, 3]]]"},
	}
	if len(records) != len(want) {
		t.Fatalf("Expected %v, got %v", want, records)
	}
	for i := range want {
		for j := range want[i] {
			if records[i][j] != want[i][j] {
				t.Errorf("Record %d col %d: expected %q, got %q", i, j, want[i][j], records[i][j])
			}
		}
	}

	// patch 1 starts at (4,0) after edge correction
	f, err := os.Open(filepath.Join(d.outDir, "img", "board_1.png"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	patch, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if patch.Bounds().Dx() != 6 || patch.Bounds().Dy() != 6 {
		t.Fatalf("Expected 6x6 patch, got %v", patch.Bounds())
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			r1, g1, b1, _ := src.At(4+x, y).RGBA()
			r2, g2, b2, _ := patch.At(x, y).RGBA()
			if r1 != r2 || g1 != g2 || b1 != b2 {
				t.Fatalf("Patch pixel (%d,%d) differs from source (%d,%d)", x, y, 4+x, y)
			}
		}
	}
}

func TestRunUnlabeledNeverWritten(t *testing.T) {
	d := newDataset(t)
	d.writeImage(t, "board.png", createTestImage(12, 12))
	d.writeCSV(t, "board.csv", "Image File,Designator,Vertices\n"+
		"board.png,NaN,\"[[[1,1],[10,10]]]\"\n"+
		"board.png,,\"[[[1,1],[10,10]]]\"\n")

	summary, err := d.tiler(t, 6).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.AnnotationsWritten != 0 {
		t.Errorf("Expected no annotation files, got %d", summary.AnnotationsWritten)
	}
	if anns := listDir(t, filepath.Join(d.outDir, "ann")); len(anns) != 0 {
		t.Errorf("Expected empty ann dir, got %v", anns)
	}
	if summary.ImagesWritten != 4 {
		t.Errorf("Images are written regardless of annotations, got %d", summary.ImagesWritten)
	}
}

func TestRunMalformedRowSkipped(t *testing.T) {
	d := newDataset(t)
	d.writeImage(t, "board.png", createTestImage(6, 6))
	d.writeCSV(t, "board.csv", "Image File,Designator,Vertices\n"+
		"board.png,R1,\"[[[1,1],[2\"\n"+
		"board.png,R2,\"[[[1,1],[2,2]]]\"\n")

	summary, err := d.tiler(t, 6).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Malformed != 1 {
		t.Errorf("Expected 1 malformed row, got %d", summary.Malformed)
	}

	records := readRecords(t, filepath.Join(d.outDir, "ann", "board_0.csv"))
	if len(records) != 2 || records[1][1] != "R2" {
		t.Errorf("Expected only R2, got %v", records)
	}
}

func TestRunItemErrors(t *testing.T) {
	d := newDataset(t)
	d.writeImage(t, "good.png", createTestImage(8, 8))
	d.writeImage(t, "small.png", createTestImage(4, 8))
	d.writeCSV(t, "a_missing.csv", "Image File,Designator,Vertices\nabsent.png,C1,\"[[[1,1]]]\"\n")
	d.writeCSV(t, "b_ambiguous.csv", "Image File,Designator,Vertices\ngood.png,C1,\"[[[1,1]]]\"\nsmall.png,C2,\"[[[1,1]]]\"\n")
	d.writeCSV(t, "c_small.csv", "Image File,Designator,Vertices\nsmall.png,C1,\"[[[1,1]]]\"\n")
	d.writeCSV(t, "d_good.csv", "Image File,Designator,Vertices\ngood.png,C1,\"[[[1,1],[2,2]]]\"\n")

	summary, err := d.tiler(t, 6).Run(context.Background())

	var batch *BatchError
	if !errors.As(err, &batch) {
		t.Fatalf("Expected BatchError, got %v", err)
	}
	if len(batch.Failed) != 3 || summary.Succeeded != 1 {
		t.Fatalf("Expected 3 failures and 1 success, got %+v", summary)
	}

	checks := []struct {
		file string
		want error
	}{
		{"a_missing.csv", ErrMissingSourceFile},
		{"b_ambiguous.csv", annotation.ErrAmbiguousImageReference},
		{"c_small.csv", plan.ErrInvalidDimensions},
	}
	for i, c := range checks {
		f := batch.Failed[i]
		if filepath.Base(f.File) != c.file {
			t.Errorf("Failure %d: expected %s, got %s", i, c.file, f.File)
		}
		if !errors.Is(f, c.want) {
			t.Errorf("%s: expected %v, got %v", c.file, c.want, f.Err)
		}
	}
	if !errors.Is(err, ErrMissingSourceFile) {
		t.Error("BatchError should unwrap to its item errors")
	}

	// nothing written for the undersized image
	for _, name := range listDir(t, filepath.Join(d.outDir, "img")) {
		if len(name) >= 5 && name[:5] == "small" {
			t.Errorf("Unexpected patch %s for an undersized image", name)
		}
	}
	// (1,1)-(2,2) touches all four patches of the 8x8 image at origins 0 and 2
	if anns := listDir(t, filepath.Join(d.outDir, "ann")); len(anns) != 4 {
		t.Errorf("Expected 4 patch annotations from d_good.csv, got %v", anns)
	}
}

func TestRunStopOnError(t *testing.T) {
	d := newDataset(t)
	d.writeImage(t, "good.png", createTestImage(6, 6))
	d.writeCSV(t, "a.csv", "Image File,Designator,Vertices\nabsent.png,C1,\"[[[1,1]]]\"\n")
	d.writeCSV(t, "b.csv", "Image File,Designator,Vertices\ngood.png,C1,\"[[[1,1]]]\"\n")

	tiler, err := New(Config{
		AnnotationDir: d.annDir,
		ImageDir:      d.imgDir,
		OutputDir:     d.outDir,
		PatchSize:     6,
		StopOnError:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := tiler.Run(context.Background())

	var item *ItemError
	if !errors.As(err, &item) || filepath.Base(item.File) != "a.csv" {
		t.Fatalf("Expected ItemError for a.csv, got %v", err)
	}
	if !errors.Is(err, ErrMissingSourceFile) {
		t.Errorf("Expected ErrMissingSourceFile, got %v", err)
	}
	if summary.Skipped != 1 || summary.Succeeded != 0 {
		t.Errorf("Expected b.csv to be skipped, got %+v", summary)
	}
	if images := listDir(t, filepath.Join(d.outDir, "img")); len(images) != 0 {
		t.Errorf("Expected no output after stopping, got %v", images)
	}
}

func TestRunParallel(t *testing.T) {
	d := newDataset(t)
	names := []string{"p0", "p1", "p2", "p3", "p4", "p5"}
	for _, n := range names {
		d.writeImage(t, n+".png", createTestImage(9, 9))
		d.writeCSV(t, n+".csv", "Image File,Designator,Vertices\n"+n+".png,C1,\"[[[1,1],[8,8]]]\"\n")
	}

	var (
		mu    sync.Mutex
		calls []int
	)
	progress := func(done, total int, item string) {
		mu.Lock()
		defer mu.Unlock()
		if total != len(names) {
			t.Errorf("Expected total %d, got %d", len(names), total)
		}
		calls = append(calls, done)
	}

	tiler, err := New(Config{
		AnnotationDir: d.annDir,
		ImageDir:      d.imgDir,
		OutputDir:     d.outDir,
		PatchSize:     5,
		Workers:       3,
	}, WithProgress(progress))
	if err != nil {
		t.Fatal(err)
	}

	summary, err := tiler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Succeeded != len(names) || summary.Patches != 4*len(names) {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if len(calls) != len(names) {
		t.Errorf("Expected %d progress calls, got %d", len(names), len(calls))
	}
	// polygon spans the whole image, so it lands in every patch
	if anns := listDir(t, filepath.Join(d.outDir, "ann")); len(anns) != 4*len(names) {
		t.Errorf("Expected %d annotation files, got %d", 4*len(names), len(anns))
	}
}

func TestRunManifestAndDebug(t *testing.T) {
	d := newDataset(t)
	d.writeImage(t, "board.png", createTestImage(10, 10))
	d.writeCSV(t, "board.csv", boardCSV)

	tiler, err := New(Config{
		AnnotationDir: d.annDir,
		ImageDir:      d.imgDir,
		OutputDir:     d.outDir,
		PatchSize:     6,
		Manifest:      true,
		Debug:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tiler.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	m, err := ReadManifest(d.outDir)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if m.PatchSize != 6 || len(m.Items) != 1 {
		t.Fatalf("Unexpected manifest %+v", m)
	}
	item := m.Items[0]
	if item.Image != "board.png" || item.Width != 10 || len(item.Patches) != 4 {
		t.Fatalf("Unexpected item %+v", item)
	}
	if item.Patches[3].X != 4 || item.Patches[3].Y != 4 {
		t.Errorf("Expected patch 3 at (4,4), got (%d,%d)", item.Patches[3].X, item.Patches[3].Y)
	}
	if item.Patches[0].Annotation != "board_0.csv" || item.Patches[0].Rows != 1 {
		t.Errorf("Unexpected patch 0 entry %+v", item.Patches[0])
	}
	if item.Patches[1].Annotation != "" {
		t.Errorf("Patch 1 should have no annotation, got %+v", item.Patches[1])
	}

	if _, err := os.Stat(filepath.Join(d.outDir, "debug", "board_grid.png")); err != nil {
		t.Errorf("Expected debug overlay: %v", err)
	}
}

func TestRunMissingAnnotationDir(t *testing.T) {
	d := newDataset(t)
	tiler, err := New(Config{
		AnnotationDir: filepath.Join(d.annDir, "absent"),
		ImageDir:      d.imgDir,
		OutputDir:     d.outDir,
		PatchSize:     6,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tiler.Run(context.Background()); !errors.Is(err, ErrMissingSourceFile) {
		t.Errorf("Expected ErrMissingSourceFile, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	d := newDataset(t)
	d.writeImage(t, "board.png", createTestImage(10, 10))
	d.writeCSV(t, "board.csv", boardCSV)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := d.tiler(t, 6).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("Expected the item to be skipped, got %+v", summary)
	}
}

func TestProcessFileKeepsGrayDepth(t *testing.T) {
	d := newDataset(t)
	gray := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i)
	}
	d.writeImage(t, "scan.png", gray)
	d.writeCSV(t, "scan.csv", "Image File,Designator,Vertices\nscan.png,C1,\"[[[1,1],[2,2]]]\"\n")

	res, err := d.tiler(t, 8).ProcessFile(filepath.Join(d.annDir, "scan.csv"))
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	if res.Patches != 1 || res.AnnotationsWritten != 1 {
		t.Errorf("Unexpected result %+v", res)
	}

	f, err := os.Open(filepath.Join(d.outDir, "img", "scan_0.png"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	out, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(*image.Gray); !ok {
		t.Errorf("Expected gray patch, got %T", out)
	}
}

func TestProcessFileMissing(t *testing.T) {
	d := newDataset(t)
	_, err := d.tiler(t, 6).ProcessFile(filepath.Join(d.annDir, "absent.csv"))
	if !errors.Is(err, ErrMissingSourceFile) {
		t.Errorf("Expected ErrMissingSourceFile, got %v", err)
	}
}

func TestRunRejectsNonImageReference(t *testing.T) {
	d := newDataset(t)
	if err := os.WriteFile(filepath.Join(d.imgDir, "board.txt"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	d.writeCSV(t, "board.csv", "Image File,Designator,Vertices\nboard.txt,C1,\"[[[1,1]]]\"\n")

	_, err := d.tiler(t, 6).ProcessFile(filepath.Join(d.annDir, "board.csv"))
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("Expected ErrUnsupportedImage, got %v", err)
	}
}

func TestRunDetachedMatchesShared(t *testing.T) {
	src := createTestImage(10, 10)
	outputs := map[bool][]byte{}

	for _, detach := range []bool{false, true} {
		d := newDataset(t)
		d.writeImage(t, "board.png", src)
		d.writeCSV(t, "board.csv", boardCSV)

		tiler, err := New(Config{
			AnnotationDir: d.annDir,
			ImageDir:      d.imgDir,
			OutputDir:     d.outDir,
			PatchSize:     6,
			Detach:        detach,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tiler.Run(context.Background()); err != nil {
			t.Fatalf("Run failed (detach=%v): %v", detach, err)
		}

		f, err := os.Open(filepath.Join(d.outDir, "img", "board_3.png"))
		if err != nil {
			t.Fatal(err)
		}
		patch, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		var pix []byte
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				r, g, b, _ := patch.At(x, y).RGBA()
				pix = append(pix, byte(r>>8), byte(g>>8), byte(b>>8))
			}
		}
		outputs[detach] = pix
	}

	if string(outputs[false]) != string(outputs[true]) {
		t.Error("Detached patches should carry the same pixels as shared ones")
	}
}

func TestRunDebugFormats(t *testing.T) {
	for _, format := range []string{"jpg", "webp"} {
		d := newDataset(t)
		d.writeImage(t, "board.png", createTestImage(10, 10))
		d.writeCSV(t, "board.csv", boardCSV)

		tiler, err := New(Config{
			AnnotationDir: d.annDir,
			ImageDir:      d.imgDir,
			OutputDir:     d.outDir,
			PatchSize:     6,
			Debug:         true,
			DebugFormat:   format,
			DebugQuality:  80,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tiler.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		path := filepath.Join(d.outDir, "debug", "board_grid."+format)
		img, err := tiler.debug.LoadImage(path)
		if err != nil {
			t.Fatalf("%s overlay not readable: %v", format, err)
		}
		if img.Bounds().Dx() != 10 || img.Bounds().Dy() != 10 {
			t.Errorf("%s overlay: unexpected bounds %v", format, img.Bounds())
		}
	}
}
