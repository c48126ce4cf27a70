package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"incident-dispatch-go/internal/location"
)

var (
	locateLat      float64
	locateLon      float64
	locateAccuracy float64
	locateMaxTier  int
	locateWatch    bool
)

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Acquire a location fix through the fallback cascade",
	Long: `Acquire a location fix.

Without --lat/--lon the device has no positioning hardware and the cascade
falls through to IP geolocation. With them, the reading stands in for a
receiver attached to the device.`,
	RunE: runLocate,
}

func init() {
	locateCmd.Flags().Float64Var(&locateLat, "lat", 0, "device latitude")
	locateCmd.Flags().Float64Var(&locateLon, "lon", 0, "device longitude")
	locateCmd.Flags().Float64Var(&locateAccuracy, "accuracy", 25, "device accuracy in meters")
	locateCmd.Flags().IntVar(&locateMaxTier, "max-tier", 0, "stop after this tier (1=high accuracy, 2=network, 3=relaxed, 4=ip)")
	locateCmd.Flags().BoolVar(&locateWatch, "watch", false, "keep printing fixes until interrupted")
}

func runLocate(cmd *cobra.Command, args []string) error {
	_, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	var pos location.StaticPositioner
	if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
		pos.Reading = &location.Position{
			Latitude:  locateLat,
			Longitude: locateLon,
			Accuracy:  locateAccuracy,
			Timestamp: time.Now(),
		}
	}
	locator := location.NewLocator(pos, location.WithLogger(log.Named("location")))
	enc := json.NewEncoder(os.Stdout)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if locateWatch {
		err := locator.Watch(ctx, func(fix location.Fix) {
			enc.Encode(fix)
		}, func(err error) {
			log.Warn("location update failed", zap.Error(err))
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	fix, err := locator.GetLocation(ctx, location.Options{MaxTier: location.Tier(locateMaxTier)})
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%s: %w", location.HintFor(err).Message(), err)
	}
	return enc.Encode(fix)
}
