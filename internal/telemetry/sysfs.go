package telemetry

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/ak3tsm7/qos-inference-router/internal/models"
)

var errNoSource = errors.New("no readable source")

// readFloat parses a single numeric value from a sysfs-style file. A
// trailing '%' and surrounding whitespace are ignored.
func readFloat(fsys fs.FS, name string) (float64, error) {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if fields := strings.Fields(s); len(fields) > 0 {
		s = fields[0]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

// readFirst returns the first path in paths that parses, and its value.
func readFirst(fsys fs.FS, paths []string) (float64, string, error) {
	var errs []error
	for _, p := range paths {
		v, err := readFloat(fsys, p)
		if err == nil {
			return v, p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return 0, "", errNoSource
	}
	return 0, "", errors.Join(errs...)
}

func readGPUBusy(fsys fs.FS, paths []string) (*float64, error) {
	v, _, err := readFirst(fsys, paths)
	if err != nil {
		return nil, err
	}
	v = math.Max(0, math.Min(100, v))
	return &v, nil
}

// ThermalFromCelsius maps a die temperature onto the platform thermal levels.
func ThermalFromCelsius(c float64) models.ThermalState {
	switch {
	case c < 45:
		return models.ThermalNormal
	case c < 55:
		return models.ThermalLight
	case c < 65:
		return models.ThermalModerate
	case c < 75:
		return models.ThermalSevere
	default:
		return models.ThermalCritical
	}
}

// readThermal takes the hottest readable zone. Values above 1000 are
// millidegrees.
func readThermal(fsys fs.FS, paths []string) (models.ThermalState, error) {
	hottest := math.Inf(-1)
	var errs []error
	for _, p := range paths {
		v, err := readFloat(fsys, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v > 1000 {
			v /= 1000
		}
		hottest = math.Max(hottest, v)
	}
	if math.IsInf(hottest, -1) {
		if len(errs) == 0 {
			return models.ThermalNormal, errNoSource
		}
		return models.ThermalNormal, errors.Join(errs...)
	}
	return ThermalFromCelsius(hottest), nil
}

// readBattery reads a power_supply class directory: capacity (%),
// current_now (µA) and voltage_now (µV). Power is omitted when either
// electrical file is missing.
func readBattery(fsys fs.FS, dir string, lowPowerPath string) (*BatteryState, error) {
	level, err := readFloat(fsys, path.Join(dir, "capacity"))
	if err != nil {
		return nil, err
	}
	st := &BatteryState{Level: math.Max(0, math.Min(100, level))}
	if lowPowerPath != "" {
		if v, err := readFloat(fsys, lowPowerPath); err == nil {
			st.LowPowerMode = v != 0
		}
	}
	if w, err := readBatteryPower(fsys, dir); err == nil {
		st.PowerW = w
	}
	return st, nil
}

func readBatteryPower(fsys fs.FS, dir string) (float64, error) {
	if uw, err := readFloat(fsys, path.Join(dir, "power_now")); err == nil {
		return math.Abs(uw) / 1e6, nil
	}
	ua, err := readFloat(fsys, path.Join(dir, "current_now"))
	if err != nil {
		return 0, err
	}
	uv, err := readFloat(fsys, path.Join(dir, "voltage_now"))
	if err != nil {
		return 0, err
	}
	return math.Abs(ua) * math.Abs(uv) / 1e12, nil
}
