// Package dataset turns indexed raster scenes into training patches.
package dataset

import (
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
)

// IndexColumns are the columns a scene index CSV must carry.
var IndexColumns = []string{"scene", "image", "truth", "split"}

// Scene is one row of the scene index: an image raster, its ground truth
// raster and the split it belongs to.
type Scene struct {
	Name  string
	Image string
	Truth string
	Split string
}

// ReadIndex reads a scene index CSV. Relative raster paths are resolved
// against the index directory.
func ReadIndex(path string) ([]Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.DetectTypes(false))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "reading %s", path)
	}

	have := make(map[string]bool)
	for _, n := range df.Names() {
		have[n] = true
	}
	for _, c := range IndexColumns {
		if !have[c] {
			return nil, errors.Errorf("%s: missing column %q", path, c)
		}
	}

	dir := filepath.Dir(path)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	names := df.Col("scene").Records()
	images := df.Col("image").Records()
	truths := df.Col("truth").Records()
	splits := df.Col("split").Records()

	scenes := make([]Scene, 0, len(names))
	for i := range names {
		scenes = append(scenes, Scene{
			Name:  names[i],
			Image: resolve(images[i]),
			Truth: resolve(truths[i]),
			Split: splits[i],
		})
	}

	return scenes, nil
}

// Filter returns the scenes of one split.
func Filter(scenes []Scene, split string) []Scene {
	var out []Scene
	for _, s := range scenes {
		if s.Split == split {
			out = append(out, s)
		}
	}
	return out
}
