package logic

import (
	"fmt"
	"strings"
)

// Unit is a temperature unit.
type Unit string

const (
	Celsius    Unit = "°C"
	Fahrenheit Unit = "°F"
)

// Default target bounds for water heaters, in Fahrenheit.
const (
	DefaultMinTemp = 110.0
	DefaultMaxTemp = 140.0
)

// ParseUnit accepts "C", "°C", "celsius" and the Fahrenheit equivalents.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "°c", "celsius":
		return Celsius, nil
	case "f", "°f", "fahrenheit":
		return Fahrenheit, nil
	}
	return "", fmt.Errorf("unknown temperature unit %q", s)
}

// ConvertTemperature converts v between units. Unknown units are returned unchanged.
func ConvertTemperature(v float64, from, to Unit) float64 {
	if from == to {
		return v
	}
	switch {
	case from == Fahrenheit && to == Celsius:
		return (v - 32) * 5 / 9
	case from == Celsius && to == Fahrenheit:
		return v*9/5 + 32
	}
	return v
}
