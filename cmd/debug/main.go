// Command debug runs a one-shot dry scheduling pass against live price and
// forecast data without touching MQTT or any device. Useful for checking
// what the scheduler would do with the current config.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/internal/config"
	"github.com/zeushome/zeus-controller/internal/model"
	"github.com/zeushome/zeus-controller/internal/pricing"
	"github.com/zeushome/zeus-controller/internal/scheduler"
	"github.com/zeushome/zeus-controller/internal/solar"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(cfg.LogLevel).With().Timestamp().Logger()

	token := os.Getenv(cfg.TibberTokenEnv)
	if token == "" {
		log.Fatal().Str("env", cfg.TibberTokenEnv).Msg("Tibber access token not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := time.Now()

	priceSlots, err := pricing.NewClient(token).FetchPrices(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch prices")
	}

	forecastKey := ""
	if cfg.ForecastAPIKeyEnv != "" {
		forecastKey = os.Getenv(cfg.ForecastAPIKeyEnv)
	}
	forecast, err := solar.NewClient(cfg.Latitude, cfg.Longitude, cfg.SolarPlanes, forecastKey).FetchForecast(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch solar forecast, assuming zero production")
		forecast = map[time.Time]float64{}
	}

	pool := scheduler.BuildSlotPool(priceSlots, forecast, cfg.HomeConsumptionWatts, now, 0, false)

	fmt.Printf("Slots (%d):\n", pool.Len())
	for _, s := range pool.Sorted() {
		fmt.Printf("  %s  price=%.4f export=%.4f surplus=%.0fW\n",
			s.StartTime.Format("Mon 15:04"), s.Price, s.ExportPrice, s.SolarSurplusW)
	}

	var devices []*model.DeviceScheduleRequest
	for _, d := range cfg.SwitchDevices {
		devices = append(devices, &model.DeviceScheduleRequest{
			ID:              d.ID,
			Name:            d.Name,
			PeakWatts:       d.PowerWatts,
			DailyRuntimeMin: float64(d.MinRuntimeMin),
			Deadline:        model.ClockTime{Hour: d.DeadlineHour, Minute: d.DeadlineMinute},
			Priority:        d.Priority,
			UseActualPower:  d.UseActualPower,
		})
	}

	results := scheduler.ComputeSwitchSchedules(devices, pool, now)

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println("\nSwitch schedule (assuming zero runtime so far today):")
	for _, id := range ids {
		r := results[id]
		fmt.Printf("  %-20s run=%-5v decision=%-16s %s\n", id, r.ShouldRun, r.Decision, r.Reason)
		for _, slot := range r.AssignedSlots {
			fmt.Printf("    -> %s\n", slot.Format("Mon 15:04"))
		}
	}

	fmt.Println("\nManual device windows:")
	for i, m := range cfg.ManualDevices {
		ranking := scheduler.ComputeManualDeviceRanking(&model.ManualDeviceScheduleRequest{
			ID:               m.ID,
			Name:             m.Name,
			PeakWatts:        m.PowerWatts,
			AvgWatts:         m.AvgWatts,
			CycleDurationMin: float64(m.DurationMin),
			Priority:         i,
			DelayOffsetsH:    m.DelayOffsetsH,
		}, pool, now)

		fmt.Printf("  %s:\n", m.ID)
		for _, w := range ranking.Windows {
			fmt.Printf("    %s - %s  cost=%.4f solar=%.0f%%\n",
				w.StartTime.Format("Mon 15:04"), w.EndTime.Format("15:04"), w.TotalCost, w.SolarFraction*100)
		}
	}
}
