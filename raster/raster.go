// Package raster reads and writes georeferenced multi-band TIFF scenes.
//
// Pixels are kept band-major ([bands, height, width]), the layout the
// networks consume. The geotransform and EPSG code travel in a YAML sidecar
// next to the image (<file>.geo.yaml).
//
// Bands are read one per page (RGB pages give three). Pixel-interleaved
// pages with more than four samples, as GDAL writes multi-band GeoTIFFs,
// are rejected with ErrUnsupportedBands; split them into one page per band
// first.
package raster

import (
	"bytes"
	"image"
	"image/color"
	"io/ioutil"
	"math"
	"os"

	"github.com/chai2010/tiff"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedBands is returned for band layouts that cannot be encoded.
var ErrUnsupportedBands = errors.New("unsupported band count")

// GeoInfo is the spatial reference of a raster. Transform follows the
// affine convention (a, b, c, d, e, f): x = a*col + b*row + c,
// y = d*col + e*row + f.
type GeoInfo struct {
	Transform [6]float64 `yaml:"transform"`
	EPSG      int        `yaml:"epsg"`
}

// Raster is a band-major image with its spatial reference.
type Raster struct {
	Bands, Height, Width int
	// Data holds Bands*Height*Width values, band by band, row by row.
	Data []float32
	Geo  GeoInfo
}

// New creates a zero raster.
func New(bands, height, width int, geo GeoInfo) *Raster {
	return &Raster{
		Bands:  bands,
		Height: height,
		Width:  width,
		Data:   make([]float32, bands*height*width),
		Geo:    geo,
	}
}

// At returns the value of band b at row, col.
func (r *Raster) At(b, row, col int) float32 {
	return r.Data[(b*r.Height+row)*r.Width+col]
}

// Set sets the value of band b at row, col.
func (r *Raster) Set(b, row, col int, v float32) {
	r.Data[(b*r.Height+row)*r.Width+col] = v
}

// Band returns the values of band b.
func (r *Raster) Band(b int) []float32 {
	n := r.Height * r.Width
	return r.Data[b*n : (b+1)*n]
}

// Extent returns the bounds (left, right, bottom, top) in map units.
func (r *Raster) Extent() (left, right, bottom, top float64) {
	t := r.Geo.Transform
	w, h := float64(r.Width), float64(r.Height)
	left = t[2]
	top = t[5]
	right = left + t[0]*w + t[1]*h
	bottom = top + t[4]*h + t[3]*w
	return left, right, bottom, top
}

// Tensor returns the raster as a float tensor [bands, height, width].
func (r *Raster) Tensor() *ts.Tensor {
	x := ts.MustOfSlice(r.Data)
	return x.MustView([]int64{int64(r.Bands), int64(r.Height), int64(r.Width)}, true)
}

// FromTensor creates a raster from a [H, W], [C, H, W] or [1, C, H, W]
// tensor. x is not consumed.
func FromTensor(x *ts.Tensor, geo GeoInfo) (*Raster, error) {
	size := x.MustSize()
	if len(size) == 4 && size[0] == 1 {
		size = size[1:]
	}
	if len(size) == 2 {
		size = []int64{1, size[0], size[1]}
	}
	if len(size) != 3 {
		return nil, errors.Errorf("expected [H W], [C H W] or [1 C H W] tensor, got %v", x.MustSize())
	}

	f := x.MustTotype(gotch.Float, false)
	vals := f.Float64Values()
	f.MustDrop()

	r := New(int(size[0]), int(size[1]), int(size[2]), geo)
	for i, v := range vals {
		r.Data[i] = float32(v)
	}
	return r, nil
}

func sidecar(path string) string {
	return path + ".geo.yaml"
}

// Read decodes every page of a TIFF file as one band, RGB pages as three.
func Read(path string) (*Raster, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := checkSamples(data); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}

	pages, _, err := tiff.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}

	var bands [][]float32
	var w, h int
	for i, page := range pages {
		if len(page) == 0 {
			continue
		}
		img := page[0]
		b := img.Bounds()
		if len(bands) == 0 {
			w, h = b.Dx(), b.Dy()
		} else if b.Dx() != w || b.Dy() != h {
			return nil, errors.Errorf("%s: page %d is %dx%d, first page %dx%d", path, i, b.Dx(), b.Dy(), w, h)
		}
		bands = append(bands, decodeBands(img)...)
	}
	if len(bands) == 0 {
		return nil, errors.Errorf("%s: no image", path)
	}

	r := &Raster{Bands: len(bands), Height: h, Width: w}
	r.Data = make([]float32, 0, len(bands)*w*h)
	for _, band := range bands {
		r.Data = append(r.Data, band...)
	}

	geo, err := readGeo(path)
	if err != nil {
		return nil, err
	}
	r.Geo = geo

	return r, nil
}

// maxSamples is the widest pixel layout the decoder maps to bands (RGBA).
const maxSamples = 4

// checkSamples rejects pages whose pixels interleave more samples than the
// decoder understands.
func checkSamples(data []byte) error {
	rd, err := tiff.OpenReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer rd.Close()

	for i := 0; i < rd.ImageNum(); i++ {
		if n := rd.Ifd[i][0].Channels(); n > maxSamples {
			return errors.Wrapf(ErrUnsupportedBands, "page %d has %d samples per pixel", i, n)
		}
	}
	return nil
}

// decodeBands returns one slice per band of img in its native range.
func decodeBands(img image.Image) [][]float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	n := w * h

	switch m := img.(type) {
	case *image.Gray:
		band := make([]float32, n)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				band[y*w+x] = float32(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return [][]float32{band}
	case *image.Gray16:
		band := make([]float32, n)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				band[y*w+x] = float32(m.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return [][]float32{band}
	}

	// 8-bit color models are scaled back from the 16-bit RGBA range
	scale := float32(1)
	switch img.ColorModel() {
	case color.RGBAModel, color.NRGBAModel, color.YCbCrModel, color.CMYKModel:
		scale = 257
	}

	rgb := [][]float32{make([]float32, n), make([]float32, n), make([]float32, n)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := y*w + x
			rgb[0][i] = float32(c.R) / scale
			rgb[1][i] = float32(c.G) / scale
			rgb[2][i] = float32(c.B) / scale
		}
	}
	return rgb
}

func readGeo(path string) (GeoInfo, error) {
	var geo GeoInfo
	data, err := ioutil.ReadFile(sidecar(path))
	if os.IsNotExist(err) {
		return geo, nil
	}
	if err != nil {
		return geo, err
	}
	if err := yaml.Unmarshal(data, &geo); err != nil {
		return geo, errors.Wrapf(err, "parsing %s", sidecar(path))
	}
	return geo, nil
}

// Write encodes r as a TIFF file with its sidecar. One band is written as
// 8-bit gray when every value fits, 16-bit gray otherwise. Three bands are
// written as 16-bit RGB.
func Write(path string, r *Raster) error {
	var img image.Image
	switch r.Bands {
	case 1:
		img = grayImage(r)
	case 3:
		img = rgbImage(r)
	default:
		return errors.Wrapf(ErrUnsupportedBands, "writing %d bands to %s", r.Bands, path)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, nil); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding %s", path)
	}
	if err := f.Close(); err != nil {
		return err
	}

	data, err := yaml.Marshal(r.Geo)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(sidecar(path), data, 0644)
}

func clamp16(v float32) uint16 {
	return uint16(math.Max(0, math.Min(65535, math.Round(float64(v)))))
}

func grayImage(r *Raster) image.Image {
	rect := image.Rect(0, 0, r.Width, r.Height)
	fits8 := true
	for _, v := range r.Data {
		if v < 0 || v > 255 || v != float32(math.Round(float64(v))) {
			fits8 = false
			break
		}
	}

	if fits8 {
		img := image.NewGray(rect)
		for i, v := range r.Data {
			img.Pix[i] = uint8(v)
		}
		return img
	}

	img := image.NewGray16(rect)
	for row := 0; row < r.Height; row++ {
		for col := 0; col < r.Width; col++ {
			img.SetGray16(col, row, color.Gray16{Y: clamp16(r.At(0, row, col))})
		}
	}
	return img
}

func rgbImage(r *Raster) image.Image {
	img := image.NewRGBA64(image.Rect(0, 0, r.Width, r.Height))
	for row := 0; row < r.Height; row++ {
		for col := 0; col < r.Width; col++ {
			img.SetRGBA64(col, row, color.RGBA64{
				R: clamp16(r.At(0, row, col)),
				G: clamp16(r.At(1, row, col)),
				B: clamp16(r.At(2, row, col)),
				A: 0xffff,
			})
		}
	}
	return img
}
