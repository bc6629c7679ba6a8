package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// Output subdirectories created under the output root
const (
	ImageDirName      = "img"
	AnnotationDirName = "ann"
)

// Layout holds the provisioned output directories
type Layout struct {
	Root          string
	ImageDir      string
	AnnotationDir string
}

// ProvisionOutput creates the output root with its img/ and ann/ subdirectories
func ProvisionOutput(root string) (Layout, error) {
	layout := Layout{
		Root:          root,
		ImageDir:      filepath.Join(root, ImageDirName),
		AnnotationDir: filepath.Join(root, AnnotationDirName),
	}
	for _, dir := range []string{layout.Root, layout.ImageDir, layout.AnnotationDir} {
		if err := EnsureDir(dir); err != nil {
			return Layout{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return layout, nil
}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// BaseName returns the file name without directory and extension
func BaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PatchFilename names the output file of patch k of a source file
func PatchFilename(source string, k int, ext string) string {
	return fmt.Sprintf("%s_%d.%s", BaseName(source), k, ext)
}

// IsImageFile checks if a file has a readable image extension
func IsImageFile(filename string) bool {
	switch GetFileExtension(filename) {
	case "jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff", "webp":
		return true
	}
	return false
}

// ListFiles lists the regular files in dir (not recursive) with the given
// extension, sorted by name
func ListFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(GetFileExtension(e.Name()), ext) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && info.IsDir()
}

// WriteFileAtomic writes path through a temporary file in the same directory
// and renames it into place, so readers never see a partial file
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	pf, err := renameio.NewPendingFile(path,
		renameio.WithTempDir(filepath.Dir(path)),
		renameio.WithPermissions(0o644),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer pf.Cleanup()

	if err := write(pf); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
