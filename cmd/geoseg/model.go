package main

import (
	"sort"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"go.uber.org/zap"

	"github.com/sugarme/geoseg/config"
	"github.com/sugarme/geoseg/unet"
)

func modelCmd() *cobra.Command {
	var (
		variant string
		vars    bool
	)

	cmd := &cobra.Command{
		Use:   "model",
		Short: "build the configured network and report its shapes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(debug)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if variant != "" {
				v, err := config.ParseVariant(variant)
				if err != nil {
					return err
				}
				cfg.Model.Variant = v
			}

			vs := nn.NewVarStore(gotch.CPU)
			net, err := unet.New(vs.Root(), cfg.Model)
			if err != nil {
				return err
			}

			var skips []string
			for _, s := range net.Encoder().Skips() {
				skips = append(skips, s.String())
			}
			logger.Info("model built",
				zap.String("variant", string(net.Variant)),
				zap.Stringer("input", net.In()),
				zap.Strings("skips", skips),
				zap.Stringer("bottom", net.Encoder().Bottom()),
				zap.Stringer("output", net.Out()),
				zap.Stringer("activation", net.Activation()),
			)
			if vars {
				printVars(logger, vs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "override the configured variant (unet, resunet, resnet18, resunet34)")
	cmd.Flags().BoolVar(&vars, "vars", false, "list every variable")

	return cmd
}

// printVars logs variables sorted by name
func printVars(logger *zap.Logger, vs *nn.VarStore) {
	vars := vs.Variables()
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)

	var total int64
	for _, n := range names {
		x := vars[n]
		size := x.MustSize()
		numel := int64(1)
		for _, d := range size {
			numel *= d
		}
		total += numel
		logger.Debug("variable", zap.String("name", n), zap.Int64s("size", size))
	}
	logger.Info("variables", zap.Int("count", len(names)), zap.Int64("parameters", total))
}
