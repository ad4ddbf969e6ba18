// Package monitor decodes the telemetry frames the device pushes
// unsolicited and forwards changed channel readings to a publisher.
//
// A telemetry frame is a single line of the form "pm v1 v2 v3 ...", one
// whitespace-separated value per configured channel index. Frames arrive on
// the device's own schedule and are independent of the command traffic; the
// transport session routes them here without ever treating them as command
// responses.
package monitor

import (
	"strconv"
	"strings"
)

// FramePrefix is the first token of a telemetry frame line.
const FramePrefix = "pm"

// Boiler status codes reported on frame index 0, translated to the vendor's
// display texts.
var boilerStates = map[int64]string{
	0:  "Unbekannt",
	1:  "Aus",
	2:  "Startvorbereitung",
	3:  "Kessel Start",
	4:  "Zündüberwachung",
	5:  "Zündung",
	6:  "Übergang LB",
	7:  "Leistungsbrand",
	8:  "Gluterhaltung",
	9:  "Warten auf EA",
	10: "Entaschung",
	11: "-",
	12: "Putzen",
}

// BoilerState translates a boiler status code into its display text.
// Unknown codes map to the text for code 0.
func BoilerState(code int64) string {
	if text, ok := boilerStates[code]; ok {
		return text
	}

	return boilerStates[0]
}

// ParseFrame parses a telemetry frame line into its values, positionally
// indexed. Integer tokens parse to int64, decimal tokens to float64 and
// unparsable tokens to nil. It returns nil when the line is not a telemetry
// frame (wrong prefix or no values).
func ParseFrame(line string) []any {
	if line == "" || !strings.HasPrefix(line, FramePrefix) {
		return nil
	}

	parts := strings.Fields(line)
	if len(parts) < 2 || parts[0] != FramePrefix {
		return nil
	}

	values := make([]any, 0, len(parts)-1)
	for _, token := range parts[1:] {
		if strings.Contains(token, ".") {
			if f, err := strconv.ParseFloat(token, 64); err == nil {
				values = append(values, f)
				continue
			}
		} else if i, err := strconv.ParseInt(token, 10, 64); err == nil {
			values = append(values, i)
			continue
		}

		values = append(values, nil)
	}

	return values
}
