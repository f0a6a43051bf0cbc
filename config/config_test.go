package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/geoseg/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []int64{3, 4, 5, 3}, cfg.Model.Blocks())
}

func TestParseVariant(t *testing.T) {
	for _, v := range config.Variants {
		got, err := config.ParseVariant(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := config.ParseVariant("resnet50")
	assert.True(t, errors.Is(err, config.ErrInvalidVariant))
}

func TestParseLossKind(t *testing.T) {
	got, err := config.ParseLossKind("bce+dice")
	require.NoError(t, err)
	assert.Equal(t, config.BCEDice, got)

	_, err = config.ParseLossKind("lovasz")
	assert.True(t, errors.Is(err, config.ErrInvalidLoss))
}

func TestArchitectureValidate(t *testing.T) {
	base := config.Default().Model

	tests := []struct {
		name   string
		modify func(a *config.Architecture)
		want   error
	}{
		{"unknown variant", func(a *config.Architecture) { a.Variant = "vgg" }, config.ErrInvalidVariant},
		{"zero classes", func(a *config.Architecture) { a.NumClasses = 0 }, config.ErrInvalidConfig},
		{"no bands", func(a *config.Architecture) { a.Bands = 0 }, config.ErrInvalidConfig},
		{"three stages", func(a *config.Architecture) { a.BlockCounts = []int64{3, 4, 5} }, config.ErrInvalidConfig},
		{"stats length", func(a *config.Architecture) {
			a.BandMean = []float64{0.1}
			a.BandStd = []float64{0.2}
		}, config.ErrInvalidConfig},
		{"zero std", func(a *config.Architecture) {
			a.BandMean = make([]float64, 6)
			a.BandStd = make([]float64, 6)
		}, config.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base
			tt.modify(&a)
			err := a.Validate()
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestLossValidate(t *testing.T) {
	l := config.DefaultLoss()
	require.NoError(t, l.Validate())

	l.Alpha = 1.5
	assert.True(t, errors.Is(l.Validate(), config.ErrInvalidConfig))

	l = config.DefaultLoss()
	l.Kind = "hinge"
	assert.True(t, errors.Is(l.Validate(), config.ErrInvalidLoss))
}

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "geoseg-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "train.yaml")
	data := []byte(`
model:
  height: 256
  width: 256
  bands: 4
  num_classes: 3
  variant: resnet18
loss:
  kind: bce+dice
train:
  patch_size: 256
  batch_size: 4
  epochs: 2
`)
	require.NoError(t, ioutil.WriteFile(path, data, 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.ResNet18, cfg.Model.Variant)
	assert.Equal(t, int64(3), cfg.Model.NumClasses)
	assert.Equal(t, config.BCEDice, cfg.Loss.Kind)
	// unset keys keep their defaults
	assert.Equal(t, 0.25, cfg.Loss.Alpha)
	assert.Equal(t, "Adam", cfg.Train.Optimizer)
	assert.Equal(t, int64(4), cfg.Train.BatchSize)
}

func TestLoadPatchMismatch(t *testing.T) {
	dir, err := ioutil.TempDir("", "geoseg-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "train.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("train:\n  patch_size: 256\n"), 0644))

	_, err = config.Load(path)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}
