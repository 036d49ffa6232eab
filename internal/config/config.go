// Package config loads the bridge's runtime knobs from CLI flags,
// environment variables and an optional config file, in that precedence
// order, via spf13/viper and spf13/pflag.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every environment knob §6 names: listening port, debug
// flag, data directory, scan duration cap.
type Config struct {
	Port            int
	DataDir         string
	ScanTimeoutSecs int
	Debug           bool
	Simulate        bool

	// User profile knobs feeding internal/aggregate's VO2max eligibility
	// predicate. Zero means "unknown" for WeightKg/AgeYears; HRMax/HRRest
	// zero means "let the aggregator default them".
	WeightKg float64
	AgeYears float64
	HRMax    float64
	HRRest   float64
}

const envPrefix = "FITBRIDGE"

// Load parses args (normally os.Args[1:]) plus FITBRIDGE_* environment
// variables and an optional config.yaml in the working directory or
// --data-dir, and returns the resolved Config.
func Load(args []string) (Config, error) {
	flags := pflag.NewFlagSet("fitbridge", pflag.ContinueOnError)
	flags.Int("port", 8080, "HTTP control API listen port")
	flags.String("data-dir", "./data", "directory holding the sample store and FIT exports")
	flags.Int("scan-timeout", 10, "BLE scan duration cap, in seconds")
	flags.Bool("debug", false, "enable verbose logging")
	flags.Bool("simulate", false, "record simulator mode in the startup log; discovery lists the simulator devices whether or not this is set")
	flags.Float64("weight-kg", 0, "user weight in kilograms, feeds VO2max eligibility")
	flags.Float64("age-years", 0, "user age in years, feeds the default HRmax formula")
	flags.Float64("hr-max", 0, "override HRmax bpm; defaults to 208 - 0.7*age when unset")
	flags.Float64("hr-rest", 0, "override resting HR bpm; defaults to 60 when unset")

	if err := flags.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("config: bind flags: %w", err)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dataDir := v.GetString("data-dir"); dataDir != "" {
		v.AddConfigPath(dataDir)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := Config{
		Port:            v.GetInt("port"),
		DataDir:         v.GetString("data-dir"),
		ScanTimeoutSecs: v.GetInt("scan-timeout"),
		Debug:           v.GetBool("debug"),
		Simulate:        v.GetBool("simulate"),
		WeightKg:        v.GetFloat64("weight-kg"),
		AgeYears:        v.GetFloat64("age-years"),
		HRMax:           v.GetFloat64("hr-max"),
		HRRest:          v.GetFloat64("hr-rest"),
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config: data-dir cannot be empty")
	}
	return cfg, nil
}
