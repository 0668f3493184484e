package alpaca

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Params holds the named parameters of a PUT call. Keys are sent verbatim,
// so they must already carry the Alpaca casing (Position, BinX, ...).
type Params map[string]any

// paramNames maps lowercase property names to the parameter name expected
// when the property is written. Names not listed here are title-cased.
var paramNames = map[string]string{
	"binx":                 "BinX",
	"biny":                 "BinY",
	"brightness":           "Brightness",
	"connected":            "Connected",
	"cooleron":             "CoolerOn",
	"declination":          "Declination",
	"declinationrate":      "DeclinationRate",
	"duration":             "Duration",
	"fastreadout":          "FastReadout",
	"gain":                 "Gain",
	"light":                "Light",
	"numx":                 "NumX",
	"numy":                 "NumY",
	"offset":               "Offset",
	"position":             "Position",
	"readoutmode":          "ReadoutMode",
	"reverse":              "Reverse",
	"rightascension":       "RightAscension",
	"rightascensionrate":   "RightAscensionRate",
	"setccdtemperature":    "SetCCDTemperature",
	"sideofpier":           "SideOfPier",
	"siteelevation":        "SiteElevation",
	"sitelatitude":         "SiteLatitude",
	"sitelongitude":        "SiteLongitude",
	"slaved":               "Slaved",
	"startx":               "StartX",
	"starty":               "StartY",
	"targetaltitude":       "TargetAltitude",
	"targetazimuth":        "TargetAzimuth",
	"targetdeclination":    "TargetDeclination",
	"targetrightascension": "TargetRightAscension",
	"tempcomp":             "TempComp",
	"tracking":             "Tracking",
	"trackingrate":         "TrackingRate",
	"utcdate":              "UTCDate",
}

// ParamName returns the Alpaca parameter name used to write property.
func ParamName(property string) string {
	p := strings.ToLower(property)
	if name, ok := paramNames[p]; ok {
		return name
	}
	if p == "" {
		return p
	}
	return strings.ToUpper(p[:1]) + p[1:]
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return ""
}

// encode renders params into url.Values in a stable order. Unsupported
// value types are encoded as empty strings.
func (p Params) encode(v url.Values) {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Set(k, formatValue(p[k]))
	}
}
