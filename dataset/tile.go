package dataset

import (
	"github.com/pkg/errors"
	ts "github.com/sugarme/gotch/tensor"
)

// ErrInvalidTiling is returned when a raster cannot be cut into patches.
var ErrInvalidTiling = errors.New("invalid tiling")

// Starts returns the window offsets covering n pixels with windows of
// patch pixels moved by stride. The last window is shifted inward so it
// ends exactly at n.
func Starts(n, patch, stride int64) ([]int64, error) {
	if stride <= 0 || stride > patch {
		return nil, errors.Wrapf(ErrInvalidTiling, "stride %d for patch %d", stride, patch)
	}
	if patch > n {
		return nil, errors.Wrapf(ErrInvalidTiling, "patch %d larger than raster side %d", patch, n)
	}

	var starts []int64
	var s int64
	for ; s+patch <= n; s += stride {
		starts = append(starts, s)
	}
	if last := starts[len(starts)-1]; last+patch < n {
		starts = append(starts, n-patch)
	}

	return starts, nil
}

// Tile cuts a [C, H, W] tensor into [C, patch, patch] patches, row by row,
// consecutive patches overlapping by overlap pixels. x is not consumed.
func Tile(x *ts.Tensor, patch, overlap int64) ([]*ts.Tensor, error) {
	size := x.MustSize()
	if len(size) != 3 {
		return nil, errors.Wrapf(ErrInvalidTiling, "expected [C H W], got %v", size)
	}
	if overlap < 0 {
		return nil, errors.Wrapf(ErrInvalidTiling, "overlap %d", overlap)
	}

	stride := patch - overlap
	rows, err := Starts(size[1], patch, stride)
	if err != nil {
		return nil, err
	}
	cols, err := Starts(size[2], patch, stride)
	if err != nil {
		return nil, err
	}

	var tiles []*ts.Tensor
	for _, r := range rows {
		band := x.MustNarrow(1, r, patch, false)
		for _, c := range cols {
			tile := band.MustNarrow(2, c, patch, false).MustContiguous(true)
			tiles = append(tiles, tile)
		}
		band.MustDrop()
	}

	return tiles, nil
}
