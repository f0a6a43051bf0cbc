package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch/nn"
	"go.uber.org/zap"

	"github.com/sugarme/geoseg/dataset"
	"github.com/sugarme/geoseg/metric"
	"github.com/sugarme/geoseg/schedule"
	"github.com/sugarme/geoseg/train"
	"github.com/sugarme/geoseg/unet"
)

func trainCmd() *cobra.Command {
	var weights string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "train the configured network on the indexed scenes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(debug)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tc := cfg.Train

			index := tc.Index
			if !filepath.IsAbs(index) {
				index = filepath.Join(tc.DataDir, index)
			}
			scenes, err := dataset.ReadIndex(index)
			if err != nil {
				return err
			}
			trainDS, err := dataset.Load(dataset.Filter(scenes, "train"), tc.PatchSize, tc.PatchOverlap)
			if err != nil {
				return errors.Wrap(err, "train split")
			}
			defer trainDS.Drop()

			var testDS *dataset.Dataset
			if test := dataset.Filter(scenes, "test"); len(test) > 0 {
				testDS, err = dataset.Load(test, tc.PatchSize, tc.PatchOverlap)
				if err != nil {
					return errors.Wrap(err, "test split")
				}
				defer testDS.Drop()
			}
			logger.Info("data loaded",
				zap.Int64("train_patches", trainDS.Len()),
				zap.Bool("test", testDS != nil),
			)

			vs := nn.NewVarStore(device(tc.Cuda))
			net, err := unet.New(vs.Root(), cfg.Model)
			if err != nil {
				return err
			}
			if weights != "" {
				if err := train.LoadWeights(vs, weights, true); err != nil {
					return err
				}
				logger.Info("weights loaded", zap.String("path", weights))
			}

			loss, err := metric.NewLoss(cfg.Loss)
			if err != nil {
				return err
			}
			sched, err := schedule.NewPolyDecay(tc.LR, trainDS.StepsPerEpoch(tc.BatchSize), tc.Epochs)
			if err != nil {
				return err
			}
			trainer, err := train.New(vs, net, tc, loss, sched, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			go func() {
				<-sig
				logger.Warn("interrupted, stopping after the current batch")
				cancel()
			}()

			history, err := trainer.Fit(ctx, trainDS, testDS)
			if len(history) > 0 && tc.CheckpointDir != "" {
				if err := history.WriteCSV(filepath.Join(tc.CheckpointDir, "history.csv")); err != nil {
					logger.Error("writing history", zap.Error(err))
				}
				if err := history.Plot(filepath.Join(tc.CheckpointDir, "history.png")); err != nil {
					logger.Error("plotting history", zap.Error(err))
				}
			}
			if err != nil {
				return err
			}

			logger.Info("training done",
				zap.Int64("steps", trainer.Step()),
				zap.String("checkpoint", trainer.CheckpointPath()),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&weights, "weights", "", "initial weights; variables missing from the file keep their initialization")

	return cmd
}
