package patchtiler

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/menta2k/patch-tiler/internal/utils"
	"github.com/menta2k/patch-tiler/pkg/types"
)

func (t *Tiler) writeManifest(layout utils.Layout, results []ItemResult) error {
	m := types.Manifest{
		Version:   Version,
		PatchSize: t.config.PatchSize,
		Items:     make([]types.ItemManifest, 0, len(results)),
	}
	for _, r := range results {
		m.Items = append(m.Items, r.Manifest)
	}

	path := filepath.Join(layout.Root, manifestName)
	err := utils.WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
	return errors.Wrap(err, "write manifest")
}

// ReadManifest loads the manifest written by a run with Config.Manifest set
func ReadManifest(outputDir string) (types.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, manifestName))
	if err != nil {
		return types.Manifest{}, errors.Wrap(err, "read manifest")
	}

	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return types.Manifest{}, errors.Wrap(err, "parse manifest")
	}
	return m, nil
}
