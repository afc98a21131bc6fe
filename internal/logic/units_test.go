package logic

import (
	"math"
	"testing"
)

func TestConvertTemperature(t *testing.T) {
	tests := []struct {
		v        float64
		from, to Unit
		want     float64
	}{
		{212, Fahrenheit, Celsius, 100},
		{32, Fahrenheit, Celsius, 0},
		{100, Celsius, Fahrenheit, 212},
		{-40, Celsius, Fahrenheit, -40},
		{55, Celsius, Celsius, 55},
		{55, "K", Celsius, 55},
	}
	for _, tt := range tests {
		got := ConvertTemperature(tt.v, tt.from, tt.to)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("ConvertTemperature(%v, %s, %s) = %v, want %v", tt.v, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseUnit(t *testing.T) {
	for in, want := range map[string]Unit{
		"C": Celsius, "°C": Celsius, "celsius": Celsius,
		"f": Fahrenheit, "°F": Fahrenheit, "Fahrenheit": Fahrenheit,
	} {
		got, err := ParseUnit(in)
		if err != nil || got != want {
			t.Errorf("ParseUnit(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseUnit("kelvin"); err == nil {
		t.Error("expected error for kelvin")
	}
}

func TestReadingString(t *testing.T) {
	if s := Temperature(51.5).String(); s != "51.5" {
		t.Errorf("got %q", s)
	}
	if s := (Reading{}).String(); s != "unknown" {
		t.Errorf("zero reading: got %q", s)
	}
	if s := (Reading{Status: ReadingUnavailable}).String(); s != "unavailable" {
		t.Errorf("got %q", s)
	}
}
