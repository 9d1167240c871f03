package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// SwitchDevice is a runtime-quota device: it must accumulate a daily
// runtime before its deadline and the scheduler picks the cheapest slots
// to do it in.
type SwitchDevice struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	PowerWatts      float64 `json:"power_watts"`
	MinRuntimeMin   int     `json:"min_runtime_minutes"`
	DeadlineHour    int     `json:"deadline_hour"`
	DeadlineMinute  int     `json:"deadline_minute"`
	Priority        int     `json:"priority"`
	UseActualPower  bool    `json:"use_actual_power"`
	SwitchTopic     string  `json:"switch_topic"`
	StateTopic      string  `json:"state_topic"`
	PowerTopic      string  `json:"power_topic"`
	MinCycleMinutes int     `json:"min_cycle_minutes"`
}

// Thermostat is a temperature-band device heated opportunistically within
// its band.
type Thermostat struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	PowerWatts      float64 `json:"power_watts"`
	LowerBound      float64 `json:"lower_bound"`
	UpperBound      float64 `json:"upper_bound"`
	Priority        int     `json:"priority"`
	SwitchTopic     string  `json:"switch_topic"`
	TempTopic       string  `json:"temp_topic"`
	PowerTopic      string  `json:"power_topic"`
	MinCycleMinutes int     `json:"min_cycle_minutes"`
}

// ManualDevice is advisory only: the controller ranks start windows but
// never switches it.
type ManualDevice struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PowerWatts    float64   `json:"power_watts"`
	AvgWatts      float64   `json:"avg_watts"`
	DurationMin   int       `json:"duration_minutes"`
	DelayOffsetsH []float64 `json:"delay_offsets_hours"`
}

// SolarPlane describes one panel array for the production forecast.
type SolarPlane struct {
	DeclinationDeg float64 `json:"declination_deg"`
	AzimuthDeg     float64 `json:"azimuth_deg"`
	KWPeak         float64 `json:"kw_peak"`
}

type Config struct {
	StateFile  string
	ConfigFile string
	DBFile     string
	LogLevel   zerolog.Level

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	TibberTokenEnv    string `json:"tibber_token_env"`
	ForecastAPIKeyEnv string `json:"forecast_api_key_env"`

	MQTTBroker   string `json:"mqtt_broker"`
	MQTTUsername string `json:"mqtt_username"`
	MQTTPassword string `json:"mqtt_password"`

	// Topics for whole-home telemetry.
	SolarProductionTopic string `json:"solar_production_topic"`
	GridPowerTopic       string `json:"grid_power_topic"`

	// Baseline household draw subtracted from solar production when no
	// live measurement is available.
	HomeConsumptionWatts float64 `json:"home_consumption_watts"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	PassIntervalMinutes  int `json:"pass_interval_minutes"`
	PriceRefreshMinutes  int `json:"price_refresh_minutes"`
	ListenPort           int `json:"listen_port"`
	ReservationMaxHours  int `json:"reservation_max_hours"`
	DefaultMinCycleMin   int `json:"default_min_cycle_minutes"`

	SwitchDevices []SwitchDevice `json:"switch_devices"`
	Thermostats   []Thermostat   `json:"thermostats"`
	ManualDevices []ManualDevice `json:"manual_devices"`
	SolarPlanes   []SolarPlane   `json:"solar_planes"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.StateFile, "state-file", "data/state.json", "Path to controller state file")
	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.DBFile, "db-file", "data/history.db", "Path to runtime history database")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.PassIntervalMinutes == 0 {
		cfg.PassIntervalMinutes = 15
	}
	if cfg.PriceRefreshMinutes == 0 {
		cfg.PriceRefreshMinutes = 60
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 8099
	}
	if cfg.ReservationMaxHours == 0 {
		cfg.ReservationMaxHours = 12
	}
	if cfg.DefaultMinCycleMin == 0 {
		cfg.DefaultMinCycleMin = 5
	}
	if cfg.DDAgentAddr == "" {
		cfg.DDAgentAddr = "127.0.0.1:8125"
	}
	if cfg.DDNamespace == "" {
		cfg.DDNamespace = "zeus."
	}
	if cfg.TibberTokenEnv == "" {
		cfg.TibberTokenEnv = "TIBBER_TOKEN"
	}
	for i := range cfg.SwitchDevices {
		if cfg.SwitchDevices[i].MinCycleMinutes == 0 {
			cfg.SwitchDevices[i].MinCycleMinutes = cfg.DefaultMinCycleMin
		}
	}
	for i := range cfg.Thermostats {
		if cfg.Thermostats[i].MinCycleMinutes == 0 {
			cfg.Thermostats[i].MinCycleMinutes = cfg.DefaultMinCycleMin
		}
	}
}

func (cfg *Config) validate() {
	var problems []string

	if cfg.Latitude == 0 && cfg.Longitude == 0 {
		problems = append(problems, "latitude/longitude not set")
	}
	if cfg.MQTTBroker == "" {
		problems = append(problems, "mqtt_broker not set")
	}

	seen := map[string]string{}
	check := func(id, kind string) {
		if id == "" {
			problems = append(problems, kind+" with empty id")
			return
		}
		if other, exists := seen[id]; exists {
			problems = append(problems, fmt.Sprintf("device id %q used by both %s and %s", id, other, kind))
		} else {
			seen[id] = kind
		}
	}

	for _, d := range cfg.SwitchDevices {
		check(d.ID, "switch device")
		if d.PowerWatts <= 0 {
			problems = append(problems, fmt.Sprintf("switch device %q has non-positive power_watts", d.ID))
		}
		if d.MinRuntimeMin <= 0 {
			problems = append(problems, fmt.Sprintf("switch device %q has non-positive min_runtime_minutes", d.ID))
		}
		if d.DeadlineHour < 0 || d.DeadlineHour > 23 || d.DeadlineMinute < 0 || d.DeadlineMinute > 59 {
			problems = append(problems, fmt.Sprintf("switch device %q has invalid deadline", d.ID))
		}
		if d.SwitchTopic == "" {
			problems = append(problems, fmt.Sprintf("switch device %q has no switch_topic", d.ID))
		}
	}
	for _, t := range cfg.Thermostats {
		check(t.ID, "thermostat")
		if t.LowerBound >= t.UpperBound {
			problems = append(problems, fmt.Sprintf("thermostat %q has lower_bound >= upper_bound", t.ID))
		}
		if t.SwitchTopic == "" || t.TempTopic == "" {
			problems = append(problems, fmt.Sprintf("thermostat %q is missing switch_topic or temp_topic", t.ID))
		}
	}
	for _, m := range cfg.ManualDevices {
		check(m.ID, "manual device")
		if m.DurationMin <= 0 {
			problems = append(problems, fmt.Sprintf("manual device %q has non-positive duration_minutes", m.ID))
		}
		for _, off := range m.DelayOffsetsH {
			if off < 0 {
				problems = append(problems, fmt.Sprintf("manual device %q has negative delay offset", m.ID))
			}
		}
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, ", "))
	}
}
