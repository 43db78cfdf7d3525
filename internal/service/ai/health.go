package ai

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Health statuses.
const (
	StatusHealthy = "healthy"
	StatusDemo    = "demo"
)

// HealthReport is the payload of the health route.
type HealthReport struct {
	Status          string   `json:"status"`
	OllamaAvailable bool     `json:"ollama_available"`
	OllamaHost      string   `json:"ollama_host,omitempty"`
	ActiveHost      string   `json:"active_host,omitempty"`
	Version         string   `json:"version,omitempty"`
	Models          []string `json:"models,omitempty"`
	Message         string   `json:"message,omitempty"`
	Suggestion      string   `json:"suggestion,omitempty"`
}

// Health probes the active host, then the alternates, and reports the first
// one that answers. With no reachable host the report is in demo status.
func (g *Gateway) Health(ctx context.Context) HealthReport {
	active := g.ActiveHost()
	for _, host := range g.hosts() {
		info, err := g.probe(ctx, host)
		if err != nil {
			log.Debug().Err(err).Str("host", host).Msg("health probe failed")
			continue
		}
		models := info.Models
		if models == nil {
			models = []string{}
		}
		return HealthReport{
			Status:          StatusHealthy,
			OllamaAvailable: true,
			OllamaHost:      host,
			ActiveHost:      active,
			Version:         info.Version,
			Models:          models,
		}
	}

	return HealthReport{
		Status:          StatusDemo,
		OllamaAvailable: false,
		ActiveHost:      active,
		Message:         "Ollama not running or not accessible",
		Suggestion:      "Run 'ollama serve' to start Ollama service",
	}
}
