package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
	"skyconsole/pkg/registry"
)

var (
	ErrWrongDeviceType  = errors.New("wrong device type")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMissingParameter = errors.New("missing parameter")
)

// Refresher re-reads a device's state right away. The poller manager
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, id string) error
}

// Dispatcher issues device commands. Every failure is reported through
// exactly one deviceApiError event and returned to the caller.
type Dispatcher struct {
	reg     *registry.Registry
	refresh Refresher
	logger  log.FieldLogger
}

func NewDispatcher(reg *registry.Registry, refresh Refresher, logger log.FieldLogger) *Dispatcher {
	return &Dispatcher{reg: reg, refresh: refresh, logger: logger}
}

// Run executes the named command on the device. An empty expected type
// accepts any device that supports the command.
func (d *Dispatcher) Run(ctx context.Context, id string, expected alpaca.DeviceType, name string, args map[string]any) error {
	name = strings.ToLower(name)

	dev, ok := d.reg.Get(id)
	if !ok {
		return d.reject(id, name, fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, id))
	}
	if expected != "" && dev.Type != expected {
		return d.reject(id, name, fmt.Errorf("%w: %s is a %s, not a %s", ErrWrongDeviceType, id, dev.Type, expected))
	}
	cmd, ok := lookup(dev.Type, name)
	if !ok {
		return d.reject(id, name, fmt.Errorf("%w: %s has no command %q", ErrUnknownCommand, dev.Type, name))
	}
	params, err := bindParams(cmd.Params(), args)
	if err != nil {
		return d.reject(id, name, err)
	}
	client, err := d.reg.Client(id)
	if err != nil {
		return d.reject(id, name, err)
	}

	logger := d.logger.WithField("device", id)
	for _, call := range cmd.Calls {
		p := make(alpaca.Params, len(call.Params))
		for _, key := range call.Params {
			p[key] = params[key]
		}
		if _, err := client.Put(ctx, call.Method, p); err != nil {
			logger.Warnf("Command %s failed: %v", name, err)
			d.reg.Bus().Emit(events.APIError(id, call.Method, err))
			d.reconcile(ctx, id)
			return fmt.Errorf("%s %s: %w", id, call.Method, err)
		}
	}

	if cmd.Optimistic != nil {
		if props := cmd.Optimistic(params); len(props) > 0 {
			if err := d.reg.UpdatePropertiesOptimistic(id, props); err != nil {
				logger.Debugf("Optimistic update failed: %v", err)
			}
		}
	}

	logger.Debugf("Command %s %v", name, params)
	d.reg.Bus().Emit(events.MethodCalled(id, name, params))
	if cmd.Started != "" {
		d.reg.Bus().Emit(events.New(cmd.Started, id))
	}
	d.reconcile(ctx, id)
	return nil
}

// Set writes a single property and refreshes the device.
func (d *Dispatcher) Set(ctx context.Context, id, property string, value any) error {
	property = strings.ToLower(property)
	client, err := d.reg.Client(id)
	if err != nil {
		return d.reject(id, property, err)
	}
	if err := client.SetProperty(ctx, property, value); err != nil {
		d.reg.Bus().Emit(events.APIError(id, property, err))
		d.reconcile(ctx, id)
		return fmt.Errorf("%s %s: %w", id, property, err)
	}
	if err := d.reg.UpdatePropertiesOptimistic(id, map[string]any{property: value}); err != nil {
		d.logger.WithField("device", id).Debugf("Optimistic update failed: %v", err)
	}
	d.reg.Bus().Emit(events.MethodCalled(id, property, alpaca.Params{alpaca.ParamName(property): value}))
	d.reconcile(ctx, id)
	return nil
}

func (d *Dispatcher) reject(id, name string, err error) error {
	d.logger.WithField("device", id).Warnf("Rejected command %s: %v", name, err)
	d.reg.Bus().Emit(events.APIError(id, name, err))
	return err
}

func (d *Dispatcher) reconcile(ctx context.Context, id string) {
	if d.refresh == nil {
		return
	}
	if err := d.refresh.Refresh(ctx, id); err != nil {
		d.logger.WithField("device", id).Debugf("Refresh skipped: %v", err)
	}
}

// bindParams picks the named parameters out of args, matching keys without
// regard to case.
func bindParams(names []string, args map[string]any) (alpaca.Params, error) {
	lowered := make(map[string]any, len(args))
	for k, v := range args {
		lowered[strings.ToLower(k)] = v
	}
	params := make(alpaca.Params, len(names))
	for _, name := range names {
		v, ok := lowered[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, name)
		}
		params[name] = v
	}
	return params, nil
}
