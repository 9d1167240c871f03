// Package metrics emits scheduler gauges and counters over DogStatsD.
// Emission is best-effort: a missing agent never affects scheduling.
package metrics

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"
)

var client *statsd.Client

func Init(agentAddr, namespace string, tags []string) {
	var err error
	client, err = statsd.New(agentAddr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	client.Namespace = namespace
	client.Tags = tags

	log.Info().
		Str("addr", agentAddr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Metrics initialized")
}

func Gauge(name string, value float64, tags ...string) {
	if client != nil {
		if err := client.Gauge(name, value, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Incr(name string, tags ...string) {
	if client != nil {
		if err := client.Incr(name, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit counter metric")
		}
	}
}
