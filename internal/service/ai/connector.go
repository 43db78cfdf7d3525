package ai

import (
	"context"
	"sync"
	"time"

	"github.com/9121343/sxudo/internal/service/ollama"
)

// OllamaConnector builds backends on top of the Ollama HTTP API, keeping one
// client per host.
type OllamaConnector struct {
	timeout     time.Duration
	temperature *float32

	mu      sync.Mutex
	clients map[string]*ollama.Client
}

// NewOllamaConnector creates a connector. temperature may be nil.
func NewOllamaConnector(timeout time.Duration, temperature *float64) *OllamaConnector {
	c := &OllamaConnector{
		timeout: timeout,
		clients: make(map[string]*ollama.Client),
	}
	if temperature != nil {
		val := float32(*temperature)
		c.temperature = &val
	}
	return c
}

func (c *OllamaConnector) client(host string) *ollama.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[host]; ok {
		return cl
	}
	cl := ollama.NewClient(host, c.timeout)
	c.clients[host] = cl
	return cl
}

// ChatModel implements Connector.
func (c *OllamaConnector) ChatModel(host, model string) Backend {
	return ollama.NewChatModel(c.client(host), model, c.temperature)
}

// VisionModel implements Connector.
func (c *OllamaConnector) VisionModel(host, model string) VisionBackend {
	return ollama.NewChatModel(c.client(host), model, c.temperature)
}

// Probe checks /api/version and then lists the installed models.
func (c *OllamaConnector) Probe(ctx context.Context, host string) (*HostInfo, error) {
	cl := c.client(host)

	version, err := cl.Version(ctx)
	if err != nil {
		return nil, err
	}

	models, err := cl.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	return &HostInfo{Host: cl.BaseURL(), Version: version, Models: names}, nil
}
