package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/db"
	"github.com/zeushome/zeus-controller/internal/api"
	"github.com/zeushome/zeus-controller/internal/config"
	"github.com/zeushome/zeus-controller/internal/engine"
	"github.com/zeushome/zeus-controller/internal/logging"
	"github.com/zeushome/zeus-controller/internal/metrics"
	"github.com/zeushome/zeus-controller/internal/model"
	"github.com/zeushome/zeus-controller/internal/pricing"
	"github.com/zeushome/zeus-controller/internal/sensorbus"
	"github.com/zeushome/zeus-controller/internal/solar"
	"github.com/zeushome/zeus-controller/internal/store"
)

// Minimum spacing between sensor-triggered passes.
const sensorPassDebounce = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Init(cfg.LogLevel, os.Getenv("ZEUS_LOG_FILE"))

	log.Info().
		Str("state_file", cfg.StateFile).
		Str("db_file", cfg.DBFile).
		Int("switch_devices", len(cfg.SwitchDevices)).
		Int("thermostats", len(cfg.Thermostats)).
		Int("manual_devices", len(cfg.ManualDevices)).
		Msg("Starting Zeus controller")

	if cfg.EnableDatadog {
		metrics.Init(cfg.DDAgentAddr, cfg.DDNamespace, cfg.DDTags)
	}

	tibberToken := os.Getenv(cfg.TibberTokenEnv)
	if tibberToken == "" {
		log.Fatal().Str("env", cfg.TibberTokenEnv).Msg("Tibber access token not set")
	}

	tibber := pricing.NewClient(tibberToken)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	viewer, err := tibber.ValidateToken(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Tibber token validation failed")
	}
	log.Info().Str("viewer", viewer).Msg("Tibber token validated")

	forecastKey := ""
	if cfg.ForecastAPIKeyEnv != "" {
		forecastKey = os.Getenv(cfg.ForecastAPIKeyEnv)
	}
	forecastClient := solar.NewClient(cfg.Latitude, cfg.Longitude, cfg.SolarPlanes, forecastKey)

	conn, err := db.Open(cfg.DBFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer conn.Close()

	bus, err := sensorbus.Connect(sensorbus.Config{
		Broker:   cfg.MQTTBroker,
		ClientID: "zeus-controller",
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}
	defer bus.Close()

	priceFeed := pricing.NewFeed(tibber, time.Duration(cfg.PriceRefreshMinutes)*time.Minute)
	eng, err := engine.New(cfg, priceFeed, solar.NewFeed(forecastClient), bus, db.NewHistory(conn), store.New(cfg.StateFile))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}

	passCh := make(chan struct{}, 1)
	if err := subscribeTopics(bus, cfg, eng, passCh); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to MQTT topics")
	}

	go func() {
		server := api.NewServer(eng)
		if err := server.Start(cfg.ListenPort); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	runLoop(eng, cfg, passCh)
}

// subscribeTopics wires every configured topic into the sensor bus. Switch
// state changes are routed back into the engine so externally toggled
// devices are tracked; state, temperature, and solar-production changes all
// request a pass so the schedule reacts without waiting for the next tick.
func subscribeTopics(bus *sensorbus.Bus, cfg config.Config, eng *engine.Engine, passCh chan<- struct{}) error {
	stateTopicToDevice := make(map[string]string)
	passTopics := map[string]bool{cfg.SolarProductionTopic: true}

	for _, d := range cfg.SwitchDevices {
		if err := bus.SubscribeReading(d.PowerTopic); err != nil {
			return err
		}
		if d.StateTopic != "" {
			if err := bus.SubscribeSwitchState(d.StateTopic); err != nil {
				return err
			}
			stateTopicToDevice[d.StateTopic] = d.ID
		}
	}
	for _, t := range cfg.Thermostats {
		if err := bus.SubscribeReading(t.TempTopic); err != nil {
			return err
		}
		passTopics[t.TempTopic] = true
		if err := bus.SubscribeReading(t.PowerTopic); err != nil {
			return err
		}
	}
	if err := bus.SubscribeReading(cfg.SolarProductionTopic); err != nil {
		return err
	}
	if err := bus.SubscribeReading(cfg.GridPowerTopic); err != nil {
		return err
	}

	bus.SetChangeHandler(func(topic string) {
		if deviceID, ok := stateTopicToDevice[topic]; ok {
			if on, known := bus.SwitchState(topic); known {
				go eng.ObserveSwitchChange(deviceID, on, time.Now())
			}
		} else if !passTopics[topic] {
			return
		}
		select {
		case passCh <- struct{}{}:
		default:
		}
	})
	return nil
}

// runLoop drives scheduling passes until shutdown: one immediately, then on
// every pass-interval tick or sensor change. Prices are cached inside the
// feed, so the refresh interval only bounds how often the Tibber API is hit.
func runLoop(eng *engine.Engine, cfg config.Config, passCh <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runPass := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		eng.RunPass(ctx, time.Now())
	}

	runPass()

	// Align recurring passes to slot boundaries so decisions land at the
	// start of each pricing slot.
	interval := time.Duration(cfg.PassIntervalMinutes) * time.Minute
	next := model.CurrentSlotStart(time.Now()).Add(model.SlotDuration)
	var lastSensorPass time.Time

	for {
		select {
		case <-time.After(time.Until(next)):
			runPass()
			for !next.After(time.Now()) {
				next = next.Add(interval)
			}
		case <-passCh:
			// Solar and temperature topics update every few seconds;
			// debounce so a chatty sensor cannot run passes back to back.
			if time.Since(lastSensorPass) < sensorPassDebounce {
				continue
			}
			lastSensorPass = time.Now()
			runPass()
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			return
		}
	}
}
