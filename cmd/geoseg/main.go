// Command geoseg builds, trains and applies segmentation networks on
// multi-band raster scenes.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"go.uber.org/zap"

	"github.com/sugarme/geoseg/config"
)

// flag variables
var (
	configPath string
	cuda       bool
	debug      bool
)

// loadConfig reads the settings file, or returns the defaults when none is
// given.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(configPath)
}

func device(useCuda bool) gotch.Device {
	if cuda || useCuda {
		return gotch.NewCuda().CudaIfAvailable()
	}
	return gotch.CPU
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "geoseg",
		Short:         "segmentation networks for multi-band raster scenes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML settings file (defaults built in)")
	rootCmd.PersistentFlags().BoolVar(&cuda, "cuda", false, "use CUDA when available")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")

	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(predictCmd())

	if err := rootCmd.Execute(); err != nil {
		logger := newLogger(debug)
		logger.Error("geoseg failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
