package dataset

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/raster"
)

// Dataset holds stacked image patches [N, bands, P, P] and their binary
// masks [N, 1, P, P].
type Dataset struct {
	Images *ts.Tensor
	Masks  *ts.Tensor
}

// New creates a dataset from stacked images and masks.
func New(images, masks *ts.Tensor) (*Dataset, error) {
	is, ms := images.MustSize(), masks.MustSize()
	if len(is) != 4 || len(ms) != 4 {
		return nil, errors.Errorf("expected 4D images and masks, got %v and %v", is, ms)
	}
	if is[0] != ms[0] || is[2] != ms[2] || is[3] != ms[3] {
		return nil, errors.Errorf("images %v and masks %v do not pair", is, ms)
	}
	return &Dataset{Images: images, Masks: masks}, nil
}

// Load reads every scene and tiles image and truth into patches.
func Load(scenes []Scene, patch, overlap int64) (*Dataset, error) {
	if len(scenes) == 0 {
		return nil, errors.New("no scene to load")
	}

	var images, masks []ts.Tensor
	drop := func() {
		for i := range images {
			images[i].MustDrop()
		}
		for i := range masks {
			masks[i].MustDrop()
		}
	}

	for _, s := range scenes {
		imgTiles, maskTiles, err := loadScene(s, patch, overlap)
		if err != nil {
			drop()
			return nil, errors.Wrapf(err, "scene %s", s.Name)
		}
		for i := range imgTiles {
			images = append(images, *imgTiles[i])
			masks = append(masks, *maskTiles[i])
		}
	}

	imgTs := ts.MustStack(images, 0)
	maskTs := ts.MustStack(masks, 0)
	drop()

	return New(imgTs, maskTs)
}

func loadScene(s Scene, patch, overlap int64) (images, masks []*ts.Tensor, err error) {
	img, err := raster.Read(s.Image)
	if err != nil {
		return nil, nil, err
	}
	truth, err := raster.Read(s.Truth)
	if err != nil {
		return nil, nil, err
	}
	if truth.Bands != 1 {
		return nil, nil, errors.Errorf("truth %s has %d bands, want 1", s.Truth, truth.Bands)
	}
	if truth.Height != img.Height || truth.Width != img.Width {
		return nil, nil, errors.Errorf("truth %dx%d does not cover image %dx%d",
			truth.Height, truth.Width, img.Height, img.Width)
	}

	x := img.Tensor()
	defer x.MustDrop()
	y := Binarize(truth.Tensor())
	defer y.MustDrop()

	images, err = Tile(x, patch, overlap)
	if err != nil {
		return nil, nil, err
	}
	masks, err = Tile(y, patch, overlap)
	if err != nil {
		return nil, nil, err
	}

	return images, masks, nil
}

// Binarize maps any positive truth value to 1 and everything else to 0.
// x is consumed.
func Binarize(x *ts.Tensor) *ts.Tensor {
	return x.MustGt(ts.FloatScalar(0), true).MustTotype(gotch.Float, true)
}

// Len returns the number of patches.
func (ds *Dataset) Len() int64 {
	return ds.Images.MustSize()[0]
}

// Item returns patch idx and its mask.
func (ds *Dataset) Item(idx int64) (image, mask *ts.Tensor, err error) {
	if idx < 0 || idx >= ds.Len() {
		return nil, nil, errors.Errorf("index %d out of %d patches", idx, ds.Len())
	}
	image = ds.Images.MustSelect(0, idx, false)
	mask = ds.Masks.MustSelect(0, idx, false)
	return image, mask, nil
}

// StepsPerEpoch returns the number of batches per epoch, the last one
// possibly partial.
func (ds *Dataset) StepsPerEpoch(batchSize int64) int64 {
	return (ds.Len() + batchSize - 1) / batchSize
}

// Batches returns an iterator over image/mask batches, StepsPerEpoch of
// them. The caller drops the iterator when done; ds stays valid.
func (ds *Dataset) Batches(batchSize int64, shuffle bool) *ts.Iter2 {
	iter := ts.MustNewIter2(ds.Images, ds.Masks, batchSize)
	iter.ReturnSmallLastBatch()
	if shuffle {
		iter.Shuffle()
	}
	return iter
}

// Drop frees the patch tensors.
func (ds *Dataset) Drop() {
	ds.Images.MustDrop()
	ds.Masks.MustDrop()
}
