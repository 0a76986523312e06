// Package mqtt implements the MQTT ingress/egress driver on paho,
// including Sparkplug B ingress decoding.
package mqtt

import "strings"

// Match reports whether topic matches filter under MQTT wildcard
// rules: `+` matches exactly one level, a trailing `#` matches any
// number of remaining levels (including zero).
func Match(topic, filter string) bool {
	if filter == topic {
		return true
	}
	tParts := strings.Split(topic, "/")
	fParts := strings.Split(filter, "/")

	for i, f := range fParts {
		if f == "#" {
			// '#' must be the last filter level.
			return i == len(fParts)-1
		}
		if i >= len(tParts) {
			return false
		}
		if f != "+" && f != tParts[i] {
			return false
		}
	}
	return len(tParts) == len(fParts)
}
