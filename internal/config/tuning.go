package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Tuning holds the empirically tuned constants of the trip/ETA state machine.
type Tuning struct {
	StopProximityMeters   float64       `yaml:"stopProximityMeters" validate:"gt=0"`
	SkipLookahead         int           `yaml:"skipLookahead" validate:"gte=0,lte=5"`
	ProviderRefresh       time.Duration `yaml:"providerRefresh" validate:"gt=0"`
	FallbackSpeedMps      float64       `yaml:"fallbackSpeedMps" validate:"gt=0"`
	StopMatchRadiusMeters float64       `yaml:"stopMatchRadiusMeters" validate:"gt=0"`
	StaleAfter            time.Duration `yaml:"staleAfter" validate:"gt=0"`
	NoPendingGrace        time.Duration `yaml:"noPendingGrace" validate:"gte=0"`
	RiderBatchLimit       int           `yaml:"riderBatchLimit" validate:"gt=0,lte=500"`
	BusWorkers            int           `yaml:"busWorkers" validate:"gt=0"`
	PushWorkers           int           `yaml:"pushWorkers" validate:"gt=0"`
	ScheduleCacheTTL      time.Duration `yaml:"scheduleCacheTTL" validate:"gt=0"`
	ScheduleCacheSize     int           `yaml:"scheduleCacheSize" validate:"gt=0"`
}

func DefaultTuning() Tuning {
	return Tuning{
		StopProximityMeters:   200,
		SkipLookahead:         2,
		ProviderRefresh:       3 * time.Minute,
		FallbackSpeedMps:      8.33,
		StopMatchRadiusMeters: 50,
		StaleAfter:            10 * time.Minute,
		NoPendingGrace:        2 * time.Minute,
		RiderBatchLimit:       450,
		BusWorkers:            8,
		PushWorkers:           10,
		ScheduleCacheTTL:      10 * time.Minute,
		ScheduleCacheSize:     1000,
	}
}

// LoadTuning overlays the YAML file at path onto base and validates the result.
// Keys missing from the file keep their base value.
func LoadTuning(path string, base Tuning) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	t := base
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, err
	}
	if err := validator.New().Struct(t); err != nil {
		return Tuning{}, err
	}
	return t, nil
}
