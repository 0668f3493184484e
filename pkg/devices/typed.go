package devices

import (
	"context"

	"skyconsole/pkg/alpaca"
)

func (d *Dispatcher) OpenCover(ctx context.Context, id string) error {
	return d.Run(ctx, id, alpaca.CoverCalibrator, "opencover", nil)
}

func (d *Dispatcher) CloseCover(ctx context.Context, id string) error {
	return d.Run(ctx, id, alpaca.CoverCalibrator, "closecover", nil)
}

func (d *Dispatcher) CalibratorOn(ctx context.Context, id string, brightness int) error {
	return d.Run(ctx, id, alpaca.CoverCalibrator, "calibratoron", map[string]any{"Brightness": brightness})
}

func (d *Dispatcher) MoveFocuser(ctx context.Context, id string, position int) error {
	return d.Run(ctx, id, alpaca.Focuser, "move", map[string]any{"Position": position})
}

func (d *Dispatcher) MoveRotator(ctx context.Context, id string, position float64) error {
	return d.Run(ctx, id, alpaca.Rotator, "moveabsolute", map[string]any{"Position": position})
}

func (d *Dispatcher) SetFilter(ctx context.Context, id string, position int) error {
	return d.Run(ctx, id, alpaca.FilterWheel, "setposition", map[string]any{"Position": position})
}

func (d *Dispatcher) SlewToCoordinates(ctx context.Context, id string, ra, dec float64) error {
	return d.Run(ctx, id, alpaca.Telescope, "slewtocoordinatesasync", map[string]any{
		"RightAscension": ra,
		"Declination":    dec,
	})
}

func (d *Dispatcher) SetTracking(ctx context.Context, id string, on bool) error {
	return d.Run(ctx, id, alpaca.Telescope, "settracking", map[string]any{"Tracking": on})
}

func (d *Dispatcher) SlewDome(ctx context.Context, id string, azimuth float64) error {
	return d.Run(ctx, id, alpaca.Dome, "slewtoazimuth", map[string]any{"Azimuth": azimuth})
}

func (d *Dispatcher) SetCooler(ctx context.Context, id string, on bool) error {
	return d.Run(ctx, id, alpaca.Camera, "setcooler", map[string]any{"CoolerOn": on})
}

func (d *Dispatcher) SetSwitch(ctx context.Context, id string, index int, state bool) error {
	return d.Run(ctx, id, alpaca.Switch, "setswitch", map[string]any{"Id": index, "State": state})
}
