package main

import (
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch/nn"
	"go.uber.org/zap"

	"github.com/sugarme/geoseg/infer"
	"github.com/sugarme/geoseg/raster"
	"github.com/sugarme/geoseg/train"
	"github.com/sugarme/geoseg/unet"
)

func predictCmd() *cobra.Command {
	var (
		quicklook string
		width     int
	)

	cmd := &cobra.Command{
		Use:   "predict WEIGHTS IMAGE OUTPUT",
		Short: "write the class map of a scene",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(debug)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			dev := device(cfg.Train.Cuda)
			vs := nn.NewVarStore(dev)
			net, err := unet.New(vs.Root(), cfg.Model)
			if err != nil {
				return err
			}
			if err := train.LoadWeights(vs, args[0], false); err != nil {
				return err
			}

			scene, err := raster.Read(args[1])
			if err != nil {
				return err
			}
			pred, err := infer.Predict(net, scene, dev)
			if err != nil {
				return err
			}
			if err := raster.Write(args[2], pred.Classes); err != nil {
				return err
			}
			left, right, bottom, top := pred.Classes.Extent()
			logger.Info("class map written",
				zap.String("path", args[2]),
				zap.Int("epsg", pred.Classes.Geo.EPSG),
				zap.Float64s("extent", []float64{left, right, bottom, top}),
			)

			if quicklook != "" {
				if err := infer.Quicklook(scene, pred.Classes, width, quicklook); err != nil {
					return err
				}
				logger.Info("quicklook written", zap.String("path", quicklook))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&quicklook, "quicklook", "", "also write a PNG preview with the class map overlaid")
	cmd.Flags().IntVar(&width, "width", 1024, "quicklook width in pixels")

	return cmd
}
