package telemetry

import (
	"errors"
	"fmt"
	"io/fs"
)

// PowerSource yields a per-component power reading. Sources are tried in
// order until one succeeds.
type PowerSource interface {
	Name() string
	ReadPower() (PowerRails, error)
}

// RailSource reads dedicated power rails, one file per component, each
// holding microwatts (hwmon power*_input convention). A component without
// a path reads as zero; at least one path must be readable.
type RailSource struct {
	SourceName string
	FS         fs.FS
	CPUPath    string
	GPUPath    string
	DRAMPath   string
	SystemPath string
}

func (r RailSource) Name() string { return r.SourceName }

func (r RailSource) ReadPower() (PowerRails, error) {
	var rails PowerRails
	read := 0
	for _, rail := range []struct {
		path string
		dst  *float64
	}{
		{r.CPUPath, &rails.CPUW},
		{r.GPUPath, &rails.GPUW},
		{r.DRAMPath, &rails.DRAMW},
		{r.SystemPath, &rails.SystemW},
	} {
		if rail.path == "" {
			continue
		}
		uw, err := readFloat(r.FS, rail.path)
		if err != nil {
			return PowerRails{}, fmt.Errorf("rail %s: %w", r.SourceName, err)
		}
		*rail.dst = uw / 1e6
		read++
	}
	if read == 0 {
		return PowerRails{}, fmt.Errorf("rail %s: %w", r.SourceName, errNoSource)
	}
	rails.TotalW = rails.CPUW + rails.GPUW + rails.DRAMW + rails.SystemW
	return rails, nil
}

// BatteryEstimateSource derives rails from the total battery draw using the
// fixed component fractions. It is the last resort in the fallback chain.
type BatteryEstimateSource struct {
	FS  fs.FS
	Dir string
}

func (BatteryEstimateSource) Name() string { return "battery-estimate" }

func (b BatteryEstimateSource) ReadPower() (PowerRails, error) {
	w, err := readBatteryPower(b.FS, b.Dir)
	if err != nil {
		return PowerRails{}, fmt.Errorf("battery power: %w", err)
	}
	return EstimateRails(w), nil
}

// readPowerChain returns the first successful reading and the name of the
// source that produced it.
func readPowerChain(sources []PowerSource) (PowerRails, string, error) {
	var errs []error
	for _, src := range sources {
		rails, err := src.ReadPower()
		if err == nil {
			return rails, src.Name(), nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return PowerRails{}, "", errNoSource
	}
	return PowerRails{}, "", errors.Join(errs...)
}
