package raster_test

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/geoseg/raster"
)

var utm = raster.GeoInfo{
	Transform: [6]float64{10, 0, 500000, 0, -10, 4200000},
	EPSG:      32650,
}

func TestExtent(t *testing.T) {
	r := raster.New(1, 20, 30, utm)
	left, right, bottom, top := r.Extent()
	assert.Equal(t, 500000.0, left)
	assert.Equal(t, 500300.0, right)
	assert.Equal(t, 4199800.0, bottom)
	assert.Equal(t, 4200000.0, top)
}

func TestWriteReadGray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.tif")
	r := raster.New(1, 4, 5, utm)
	for i := range r.Data {
		r.Data[i] = float32(i % 2)
	}
	require.NoError(t, raster.Write(path, r))

	got, err := raster.Read(path)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Bands)
	assert.Equal(t, 4, got.Height)
	assert.Equal(t, 5, got.Width)
	assert.Equal(t, r.Data, got.Data)
	assert.Equal(t, utm, got.Geo)
}

func TestWriteReadGray16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.tif")
	r := raster.New(1, 2, 2, utm)
	copy(r.Data, []float32{0, 300, 1000, 65535})
	require.NoError(t, raster.Write(path, r))

	got, err := raster.Read(path)
	require.NoError(t, err)
	assert.Equal(t, r.Data, got.Data)
}

func TestWriteReadRGB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rgb.tif")
	r := raster.New(3, 3, 2, raster.GeoInfo{})
	for b := 0; b < 3; b++ {
		for row := 0; row < 3; row++ {
			for col := 0; col < 2; col++ {
				r.Set(b, row, col, float32(1000*b+10*row+col))
			}
		}
	}
	require.NoError(t, raster.Write(path, r))

	got, err := raster.Read(path)
	require.NoError(t, err)
	require.Equal(t, 3, got.Bands)
	assert.Equal(t, r.Data, got.Data)
	assert.Equal(t, float32(2021), got.At(2, 2, 1))
}

func TestWriteUnsupportedBands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "six.tif")
	err := raster.Write(path, raster.New(6, 2, 2, utm))
	assert.True(t, errors.Is(err, raster.ErrUnsupportedBands))
}

// interleavedTIFF encodes a 2x2 uncompressed 8-bit page with the given
// number of samples per pixel.
func interleavedTIFF(samples uint16) []byte {
	type entry struct {
		tag, typ     uint16
		count, value uint32
	}
	const (
		short = 3
		long  = 4
	)
	n := uint32(10)
	bitsAt := 8 + 2 + n*12 + 4
	pixelsAt := bitsAt + 2*uint32(samples)
	pixels := 4 * uint32(samples)

	entries := []entry{
		{256, short, 1, 2},
		{257, short, 1, 2},
		{258, short, uint32(samples), bitsAt},
		{259, short, 1, 1},
		{262, short, 1, 1},
		{273, long, 1, pixelsAt},
		{277, short, 1, uint32(samples)},
		{278, short, 1, 2},
		{279, long, 1, pixels},
		{284, short, 1, 1},
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("II")
	binary.Write(&buf, le, uint16(42))
	binary.Write(&buf, le, uint32(8))
	binary.Write(&buf, le, uint16(n))
	for _, e := range entries {
		binary.Write(&buf, le, e)
	}
	binary.Write(&buf, le, uint32(0))
	for i := uint16(0); i < samples; i++ {
		binary.Write(&buf, le, uint16(8))
	}
	buf.Write(make([]byte, pixels))

	return buf.Bytes()
}

func TestReadInterleavedBands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "six.tif")
	require.NoError(t, ioutil.WriteFile(path, interleavedTIFF(6), 0644))

	r, err := raster.Read(path)
	assert.Nil(t, r)
	assert.True(t, errors.Is(err, raster.ErrUnsupportedBands), "got %v", err)
}

func TestReadMissing(t *testing.T) {
	_, err := raster.Read(filepath.Join(t.TempDir(), "nope.tif"))
	assert.Error(t, err)
}

func TestTensorRoundTrip(t *testing.T) {
	r := raster.New(2, 3, 4, utm)
	for i := range r.Data {
		r.Data[i] = float32(i)
	}

	x := r.Tensor()
	defer x.MustDrop()
	assert.Equal(t, []int64{2, 3, 4}, x.MustSize())

	batched := x.MustUnsqueeze(0, false)
	defer batched.MustDrop()
	got, err := raster.FromTensor(batched, utm)
	require.NoError(t, err)
	assert.Equal(t, r.Data, got.Data)
	assert.Equal(t, 2, got.Bands)
}

func TestFromTensor2D(t *testing.T) {
	x := ts.MustOnes([]int64{3, 5}, gotch.Int64, gotch.CPU)
	defer x.MustDrop()

	got, err := raster.FromTensor(x, utm)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Bands)
	assert.Equal(t, 3, got.Height)
	assert.Equal(t, 5, got.Width)
	assert.Equal(t, float32(1), got.At(0, 2, 4))
}

func TestFromTensorInvalid(t *testing.T) {
	x := ts.MustOnes([]int64{2, 1, 3, 3}, gotch.Float, gotch.CPU)
	defer x.MustDrop()

	_, err := raster.FromTensor(x, utm)
	assert.Error(t, err)
}
