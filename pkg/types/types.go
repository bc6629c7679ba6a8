package types

// PatchEntry records where one patch came from and what was written for it
type PatchEntry struct {
	Index int    `json:"index"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Image string `json:"image"`
	// Annotation is empty when no annotation survived for the patch
	Annotation string `json:"annotation,omitempty"`
	Rows       int    `json:"rows"`
}

// ItemManifest describes the tiling of one annotation file and its image
type ItemManifest struct {
	Annotation string       `json:"annotation"`
	Image      string       `json:"image"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	PatchSize  int          `json:"patch_size"`
	Patches    []PatchEntry `json:"patches"`
}

// Manifest is written to the output root after a run
type Manifest struct {
	Version   string         `json:"version"`
	PatchSize int            `json:"patch_size"`
	Items     []ItemManifest `json:"items"`
}
