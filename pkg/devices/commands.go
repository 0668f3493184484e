package devices

import (
	"fmt"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
)

// Call is one Alpaca PUT issued by a command.
type Call struct {
	Method string
	Params []string
}

// Command describes a device action. Params are named with Alpaca casing;
// arguments are matched to them case-insensitively.
type Command struct {
	Name  string
	Calls []Call

	// Optimistic returns the properties known to change once the command is
	// accepted, before a poll confirms them.
	Optimistic func(p alpaca.Params) map[string]any

	// Started is emitted after the command succeeds, when set.
	Started events.Kind
}

func put(method string, params ...string) []Call {
	return []Call{{Method: method, Params: params}}
}

func set(props ...any) func(alpaca.Params) map[string]any {
	return func(alpaca.Params) map[string]any {
		out := make(map[string]any, len(props)/2)
		for i := 0; i+1 < len(props); i += 2 {
			out[props[i].(string)] = props[i+1]
		}
		return out
	}
}

// echo maps each parameter to the property of the same lowercase name.
func echo(pairs ...string) func(alpaca.Params) map[string]any {
	return func(p alpaca.Params) map[string]any {
		out := make(map[string]any, len(pairs)/2)
		for i := 0; i+1 < len(pairs); i += 2 {
			if v, ok := p[pairs[i]]; ok {
				out[pairs[i+1]] = v
			}
		}
		return out
	}
}

// Shutter and cover states reported while moving.
const (
	shutterOpening = 2
	shutterClosing = 3
	coverMoving    = 2
)

var commands = map[alpaca.DeviceType][]Command{
	alpaca.Camera: {
		{Name: "setcooler", Calls: put("cooleron", "CoolerOn"), Optimistic: echo("CoolerOn", "cooleron")},
		{Name: "setccdtemperature", Calls: put("setccdtemperature", "SetCCDTemperature"), Optimistic: echo("SetCCDTemperature", "setccdtemperature")},
		{Name: "setbinning", Calls: []Call{{"binx", []string{"BinX"}}, {"biny", []string{"BinY"}}}, Optimistic: echo("BinX", "binx", "BinY", "biny")},
		{Name: "setgain", Calls: put("gain", "Gain"), Optimistic: echo("Gain", "gain")},
		{Name: "setoffset", Calls: put("offset", "Offset"), Optimistic: echo("Offset", "offset")},
	},
	alpaca.Telescope: {
		{Name: "slewtocoordinatesasync", Calls: put("slewtocoordinatesasync", "RightAscension", "Declination"), Optimistic: set("slewing", true), Started: events.TelescopeSlewStarted},
		{Name: "slewtoaltazasync", Calls: put("slewtoaltazasync", "Azimuth", "Altitude"), Optimistic: set("slewing", true), Started: events.TelescopeSlewStarted},
		{Name: "synctocoordinates", Calls: put("synctocoordinates", "RightAscension", "Declination")},
		{Name: "settargets", Calls: []Call{{"targetrightascension", []string{"TargetRightAscension"}}, {"targetdeclination", []string{"TargetDeclination"}}}, Optimistic: echo("TargetRightAscension", "targetrightascension", "TargetDeclination", "targetdeclination")},
		{Name: "abortslew", Calls: put("abortslew"), Optimistic: set("slewing", false), Started: events.TelescopeSlewAborted},
		{Name: "park", Calls: put("park"), Optimistic: set("slewing", true)},
		{Name: "unpark", Calls: put("unpark"), Optimistic: set("atpark", false)},
		{Name: "findhome", Calls: put("findhome"), Optimistic: set("slewing", true)},
		{Name: "settracking", Calls: put("tracking", "Tracking"), Optimistic: echo("Tracking", "tracking")},
	},
	alpaca.Focuser: {
		{Name: "move", Calls: put("move", "Position"), Optimistic: set("ismoving", true, "isMoving", true)},
		{Name: "halt", Calls: put("halt"), Optimistic: set("ismoving", false, "isMoving", false)},
		{Name: "settempcomp", Calls: put("tempcomp", "TempComp"), Optimistic: echo("TempComp", "tempcomp")},
	},
	alpaca.FilterWheel: {
		{Name: "setposition", Calls: put("position", "Position"), Optimistic: echo("Position", "position")},
	},
	alpaca.Dome: {
		{Name: "slewtoazimuth", Calls: put("slewtoazimuth", "Azimuth"), Optimistic: set("slewing", true)},
		{Name: "slewtoaltitude", Calls: put("slewtoaltitude", "Altitude"), Optimistic: set("slewing", true)},
		{Name: "openshutter", Calls: put("openshutter"), Optimistic: set("shutterstatus", shutterOpening)},
		{Name: "closeshutter", Calls: put("closeshutter"), Optimistic: set("shutterstatus", shutterClosing)},
		{Name: "park", Calls: put("park"), Optimistic: set("slewing", true)},
		{Name: "findhome", Calls: put("findhome"), Optimistic: set("slewing", true)},
		{Name: "abortslew", Calls: put("abortslew"), Optimistic: set("slewing", false)},
		{Name: "setslaved", Calls: put("slaved", "Slaved"), Optimistic: echo("Slaved", "slaved")},
	},
	alpaca.Rotator: {
		{Name: "moveabsolute", Calls: put("moveabsolute", "Position"), Optimistic: func(p alpaca.Params) map[string]any {
			return map[string]any{"ismoving": true, "isMoving": true, "targetposition": p["Position"]}
		}},
		{Name: "move", Calls: put("move", "Position"), Optimistic: set("ismoving", true, "isMoving", true)},
		{Name: "halt", Calls: put("halt"), Optimistic: set("ismoving", false, "isMoving", false)},
		{Name: "setreverse", Calls: put("reverse", "Reverse"), Optimistic: echo("Reverse", "reverse")},
		{Name: "sync", Calls: put("sync", "Position")},
	},
	alpaca.Switch: {
		{Name: "setswitch", Calls: put("setswitch", "Id", "State"), Optimistic: switchValue("state", "State")},
		{Name: "setswitchvalue", Calls: put("setswitchvalue", "Id", "Value"), Optimistic: switchValue("value", "Value")},
	},
	alpaca.CoverCalibrator: {
		{Name: "opencover", Calls: put("opencover"), Optimistic: set("coverstate", coverMoving, "covermoving", true)},
		{Name: "closecover", Calls: put("closecover"), Optimistic: set("coverstate", coverMoving, "covermoving", true)},
		{Name: "haltcover", Calls: put("haltcover"), Optimistic: set("covermoving", false)},
		{Name: "calibratoron", Calls: put("calibratoron", "Brightness"), Optimistic: echo("Brightness", "brightness")},
		{Name: "calibratoroff", Calls: put("calibratoroff"), Optimistic: set("brightness", 0)},
	},
	alpaca.ObservingConditions: {
		{Name: "refresh", Calls: put("refresh")},
	},
}

func switchValue(suffix, param string) func(alpaca.Params) map[string]any {
	return func(p alpaca.Params) map[string]any {
		id, ok := alpaca.Int(p["Id"])
		if !ok {
			return nil
		}
		return map[string]any{fmt.Sprintf("switch%d%s", id, suffix): p[param]}
	}
}

// Commands lists the commands available for a device type.
func Commands(t alpaca.DeviceType) []Command {
	return commands[t]
}

func lookup(t alpaca.DeviceType, name string) (Command, bool) {
	for _, c := range commands[t] {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// Params returns every parameter the command needs, in call order.
func (c Command) Params() []string {
	var out []string
	for _, call := range c.Calls {
		out = append(out, call.Params...)
	}
	return out
}
