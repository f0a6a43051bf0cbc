// Package config holds the model, loss and training settings shared by the
// architecture builder, the loss composer and the training driver.
//
// Values are constructed once (Default or Load), validated, and then only read.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidVariant is returned for an unknown architecture tag.
	ErrInvalidVariant = errors.New("invalid architecture variant")
	// ErrInvalidLoss is returned for an unknown loss kind tag.
	ErrInvalidLoss = errors.New("invalid loss kind")
	// ErrInvalidConfig is returned for out-of-range numeric settings.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Variant names an encoder/decoder family.
type Variant string

const (
	UNet      Variant = "unet"
	ResUNet   Variant = "resunet"
	ResNet18  Variant = "resnet18"
	ResUNet34 Variant = "resunet34"
)

// Variants lists every supported architecture.
var Variants = []Variant{UNet, ResUNet, ResNet18, ResUNet34}

// ParseVariant converts a tag into a Variant.
func ParseVariant(s string) (Variant, error) {
	for _, v := range Variants {
		if string(v) == s {
			return v, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidVariant, "%q", s)
}

// DefaultResNet34Blocks are the per-stage residual block counts of the
// resunet34 encoder as originally configured. The canonical ResNet-34 uses
// {3, 4, 6, 3}.
var DefaultResNet34Blocks = []int64{3, 4, 5, 3}

// Architecture describes the network to assemble.
type Architecture struct {
	Height     int64   `yaml:"height"`
	Width      int64   `yaml:"width"`
	Bands      int64   `yaml:"bands"`
	NumClasses int64   `yaml:"num_classes"`
	Variant    Variant `yaml:"variant"`

	// BlockCounts overrides the resunet34 per-stage block counts.
	BlockCounts []int64 `yaml:"block_counts,omitempty"`
	// Attention adds scSE attention after every decoder block.
	Attention bool `yaml:"attention"`
	// BandMean and BandStd, when set, standardize input bands. Otherwise
	// the encoder normalizes with a learned batch norm.
	BandMean []float64 `yaml:"band_mean,omitempty"`
	BandStd  []float64 `yaml:"band_std,omitempty"`
}

// Blocks returns the resunet34 block counts in effect.
func (a Architecture) Blocks() []int64 {
	if len(a.BlockCounts) > 0 {
		return a.BlockCounts
	}
	return DefaultResNet34Blocks
}

// Validate checks the architecture before any graph is built.
func (a Architecture) Validate() error {
	if _, err := ParseVariant(string(a.Variant)); err != nil {
		return err
	}
	if a.Height <= 0 || a.Width <= 0 || a.Bands <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "input shape (%d, %d, %d)", a.Height, a.Width, a.Bands)
	}
	if a.NumClasses < 1 {
		return errors.Wrapf(ErrInvalidConfig, "num_classes %d", a.NumClasses)
	}
	if a.Variant == ResUNet34 {
		blocks := a.Blocks()
		if len(blocks) != 4 {
			return errors.Wrapf(ErrInvalidConfig, "resunet34 needs 4 block counts, got %d", len(blocks))
		}
		for _, b := range blocks {
			if b < 1 {
				return errors.Wrapf(ErrInvalidConfig, "block count %d", b)
			}
		}
	}
	if len(a.BandMean) != len(a.BandStd) {
		return errors.Wrap(ErrInvalidConfig, "band_mean and band_std differ in length")
	}
	if len(a.BandMean) > 0 && int64(len(a.BandMean)) != a.Bands {
		return errors.Wrapf(ErrInvalidConfig, "band stats for %d bands, input has %d", len(a.BandMean), a.Bands)
	}
	for _, sd := range a.BandStd {
		if sd <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "band_std %v", sd)
		}
	}
	return nil
}

// LossKind names a pixel-wise objective.
type LossKind string

const (
	Dice      LossKind = "dice"
	Focal     LossKind = "focal"
	BCE       LossKind = "bce"
	FocalDice LossKind = "focal+dice"
	BCEDice   LossKind = "bce+dice"
)

// LossKinds lists every supported loss.
var LossKinds = []LossKind{Dice, Focal, BCE, FocalDice, BCEDice}

// ParseLossKind converts a tag into a LossKind.
func ParseLossKind(s string) (LossKind, error) {
	for _, k := range LossKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidLoss, "%q", s)
}

// Loss selects the objective and its hyperparameters.
type Loss struct {
	Kind   LossKind `yaml:"kind"`
	Smooth float64  `yaml:"smooth"`
	Gamma  float64  `yaml:"gamma"`
	Alpha  float64  `yaml:"alpha"`
}

// DefaultLoss returns the focal+dice objective with its usual constants.
func DefaultLoss() Loss {
	return Loss{Kind: FocalDice, Smooth: 1e-6, Gamma: 2.0, Alpha: 0.25}
}

// Validate checks the loss tag and hyperparameters.
func (l Loss) Validate() error {
	if _, err := ParseLossKind(string(l.Kind)); err != nil {
		return err
	}
	if l.Smooth < 0 || l.Gamma < 0 || l.Alpha < 0 || l.Alpha > 1 {
		return errors.Wrapf(ErrInvalidConfig, "loss params smooth=%v gamma=%v alpha=%v", l.Smooth, l.Gamma, l.Alpha)
	}
	return nil
}

// Train holds the training driver settings.
type Train struct {
	DataDir       string  `yaml:"data_dir"`
	Index         string  `yaml:"index"`
	CheckpointDir string  `yaml:"checkpoint_dir"`
	PatchSize     int64   `yaml:"patch_size"`
	PatchOverlap  int64   `yaml:"patch_overlap"`
	BatchSize     int64   `yaml:"batch_size"`
	Epochs        int64   `yaml:"epochs"`
	LR            float64 `yaml:"lr"`
	Optimizer     string  `yaml:"optimizer"`
	WeightDecay   float64 `yaml:"weight_decay"`
	Cuda          bool    `yaml:"cuda"`
}

// Validate checks the training settings.
func (t Train) Validate() error {
	switch {
	case t.PatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "patch_size %d", t.PatchSize)
	case t.PatchOverlap < 0 || t.PatchOverlap >= t.PatchSize:
		return errors.Wrapf(ErrInvalidConfig, "patch_overlap %d with patch_size %d", t.PatchOverlap, t.PatchSize)
	case t.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch_size %d", t.BatchSize)
	case t.Epochs <= 0:
		return errors.Wrapf(ErrInvalidConfig, "epochs %d", t.Epochs)
	case t.LR <= 0:
		return errors.Wrapf(ErrInvalidConfig, "lr %v", t.LR)
	}
	switch t.Optimizer {
	case "Adam", "SGD":
	default:
		return errors.Wrapf(ErrInvalidConfig, "optimizer %q", t.Optimizer)
	}
	return nil
}

// Config is the full settings file.
type Config struct {
	Model Architecture `yaml:"model"`
	Loss  Loss         `yaml:"loss"`
	Train Train        `yaml:"train"`
}

// Default returns the settings used for 6-band 512x512 scenes.
func Default() Config {
	return Config{
		Model: Architecture{
			Height:     512,
			Width:      512,
			Bands:      6,
			NumClasses: 1,
			Variant:    ResUNet34,
		},
		Loss: DefaultLoss(),
		Train: Train{
			DataDir:       "./data",
			Index:         "scenes.csv",
			CheckpointDir: "./checkpoint",
			PatchSize:     512,
			PatchOverlap:  0,
			BatchSize:     8,
			Epochs:        100,
			LR:            0.002,
			Optimizer:     "Adam",
		},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return errors.Wrap(err, "model")
	}
	if err := c.Loss.Validate(); err != nil {
		return errors.Wrap(err, "loss")
	}
	if err := c.Train.Validate(); err != nil {
		return errors.Wrap(err, "train")
	}
	if c.Train.PatchSize != c.Model.Height || c.Train.PatchSize != c.Model.Width {
		return errors.Wrapf(ErrInvalidConfig, "patch_size %d does not match model input %dx%d",
			c.Train.PatchSize, c.Model.Height, c.Model.Width)
	}
	return nil
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
