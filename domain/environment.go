package domain

import (
	"strconv"
	"strings"
)

// Environment holds the readings of the onboard environmental sensor that
// are forwarded to other systems.
type Environment struct {
	Temperature *float64
	Humidity    *float64
}

func (e Environment) Empty() bool {
	return e.Temperature == nil && e.Humidity == nil
}

// EnvironmentFrom picks temperature and humidity out of a secondary channel
// field set. Celsius fields win over unit-less ones.
func EnvironmentFrom(fields map[string]any) Environment {
	env := Environment{}

	for _, key := range []string{"temperature_c", "temperature"} {
		if v, ok := number(fields[key]); ok {
			env.Temperature = &v
			break
		}
	}

	if v, ok := number(fields["humidity"]); ok {
		env.Humidity = &v
	}

	return env
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
