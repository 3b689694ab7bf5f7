package models

import (
	"fmt"
	"strings"
)

// Engine identifies a registered execution backend.
type Engine string

const (
	EngineCPU Engine = "cpu"
	EngineGPU Engine = "gpu"
	EngineNPU Engine = "npu"
	EngineDSP Engine = "dsp"
)

// Precision is the numeric format a model runs in.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
	PrecisionINT8 Precision = "int8"
	PrecisionINT4 Precision = "int4"
)

// AllPrecisions lists every precision in widest-first order.
var AllPrecisions = []Precision{PrecisionFP32, PrecisionFP16, PrecisionINT8, PrecisionINT4}

func (p Precision) Valid() bool {
	switch p {
	case PrecisionFP32, PrecisionFP16, PrecisionINT8, PrecisionINT4:
		return true
	}
	return false
}

// ParsePrecision accepts the lower or upper case name of a precision.
func ParsePrecision(s string) (Precision, error) {
	p := Precision(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown precision %q", s)
	}
	return p, nil
}

// BackendConfig is one arm: the unit of selection and of historical attribution.
type BackendConfig struct {
	Engine    Engine    `json:"engine"`
	Precision Precision `json:"precision"`
}

func (c BackendConfig) String() string {
	return string(c.Engine) + ":" + string(c.Precision)
}

// ParseBackendConfig is the inverse of BackendConfig.String.
func ParseBackendConfig(s string) (BackendConfig, error) {
	engine, prec, ok := strings.Cut(s, ":")
	if !ok || engine == "" {
		return BackendConfig{}, fmt.Errorf("malformed backend config %q", s)
	}
	p, err := ParsePrecision(prec)
	if err != nil {
		return BackendConfig{}, err
	}
	return BackendConfig{Engine: Engine(engine), Precision: p}, nil
}

// EngineInfo describes a registered engine and the precisions it can run.
type EngineInfo struct {
	Engine     Engine      `json:"engine"`
	Precisions []Precision `json:"precisions"`
}

// Supports reports whether the engine can execute at precision p.
// An engine without declared precisions supports all of them.
func (e EngineInfo) Supports(p Precision) bool {
	if len(e.Precisions) == 0 {
		return p.Valid()
	}
	for _, q := range e.Precisions {
		if q == p {
			return true
		}
	}
	return false
}

// Candidates enumerates every (engine, precision) arm, engines in the given
// order and precisions in declared order.
func Candidates(engines []EngineInfo) []BackendConfig {
	var out []BackendConfig
	for _, e := range engines {
		precisions := e.Precisions
		if len(precisions) == 0 {
			precisions = AllPrecisions
		}
		for _, p := range precisions {
			out = append(out, BackendConfig{Engine: e.Engine, Precision: p})
		}
	}
	return out
}

// ThermalState mirrors the platform thermal status levels.
type ThermalState int

const (
	ThermalNormal ThermalState = iota
	ThermalLight
	ThermalModerate
	ThermalSevere
	ThermalCritical
)

var thermalNames = [...]string{"NORMAL", "LIGHT", "MODERATE", "SEVERE", "CRITICAL"}

func (t ThermalState) String() string {
	if t < 0 || int(t) >= len(thermalNames) {
		return "UNKNOWN"
	}
	return thermalNames[t]
}

func (t ThermalState) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ThermalState) UnmarshalText(b []byte) error {
	s := strings.ToUpper(string(b))
	for i, name := range thermalNames {
		if name == s {
			*t = ThermalState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown thermal state %q", string(b))
}
