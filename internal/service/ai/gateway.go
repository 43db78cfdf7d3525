// Package ai routes chat turns to the first inference backend that answers.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/9121343/sxudo/internal/config"
	"github.com/9121343/sxudo/internal/metrics"
	"github.com/9121343/sxudo/internal/service/ollama"
)

// MinReplyLength is the trimmed length a reply must exceed to count as an answer.
const MinReplyLength = 5

var (
	// ErrInvalidHost is returned by Configure for an empty host.
	ErrInvalidHost = errors.New("host is required")
	// ErrReplyTooShort marks a candidate that answered with (nearly) nothing.
	ErrReplyTooShort = errors.New("reply too short")
)

// Backend is one chat-capable model. eino chat models satisfy it.
type Backend interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// VisionBackend answers a prompt about an image.
type VisionBackend interface {
	DescribeImage(ctx context.Context, prompt string, image []byte) (string, error)
}

// HostInfo is what a successful host probe learns.
type HostInfo struct {
	Host    string   `json:"host"`
	Version string   `json:"version,omitempty"`
	Models  []string `json:"models"`
}

// Connector creates backends for a host and probes hosts for liveness.
type Connector interface {
	ChatModel(host, model string) Backend
	VisionModel(host, model string) VisionBackend
	Probe(ctx context.Context, host string) (*HostInfo, error)
}

// Candidate is one (host, model) pair the gateway may try.
type Candidate struct {
	Name    string
	Host    string
	Model   string
	Named   bool
	Timeout time.Duration

	backend Backend
	vision  VisionBackend
}

// ReplyResult is the outcome of a gateway call. Text is empty unless Succeeded.
type ReplyResult struct {
	Text      string
	ModelUsed string
	Succeeded bool
}

// Gateway holds the candidate configuration and the active host.
type Gateway struct {
	connector Connector
	prompts   *PromptManager
	metrics   *metrics.Metrics

	namedModel   string
	defaultModel string
	visionModel  string
	altHosts     []string
	timeout      time.Duration
	probeTimeout time.Duration

	remote     Backend
	remoteName string

	mu     sync.RWMutex
	active string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRemote appends a remote backend after every local candidate.
func WithRemote(name string, backend Backend) Option {
	return func(g *Gateway) {
		if backend != nil {
			g.remote = backend
			g.remoteName = name
		}
	}
}

// WithMetrics records candidate attempts and host switches on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithPromptManager overrides the preamble source.
func WithPromptManager(pm *PromptManager) Option {
	return func(g *Gateway) {
		if pm != nil {
			g.prompts = pm
		}
	}
}

// NewGateway creates a gateway for the configured Ollama hosts.
func NewGateway(cfg config.OllamaConfig, connector Connector, opts ...Option) *Gateway {
	g := &Gateway{
		connector:    connector,
		prompts:      NewPromptManager(),
		namedModel:   strings.TrimSpace(cfg.NamedModel),
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		visionModel:  strings.TrimSpace(cfg.VisionModel),
		altHosts:     normalizeHosts(cfg.AltHosts),
		timeout:      cfg.Timeout,
		probeTimeout: cfg.ProbeTimeout,
		active:       config.NormalizeHost(cfg.Host),
	}
	if g.timeout <= 0 {
		g.timeout = 60 * time.Second
	}
	if g.probeTimeout <= 0 {
		g.probeTimeout = 3 * time.Second
	}
	if g.active == "" {
		g.active = config.DefaultOllamaHost
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = config.NormalizeHost(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// ActiveHost returns the host tried first.
func (g *Gateway) ActiveHost() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// hosts returns the active host followed by the alternates, without duplicates.
func (g *Gateway) hosts() []string {
	active := g.ActiveHost()
	hosts := []string{active}
	seen := map[string]bool{active: true}
	for _, h := range g.altHosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}

// Candidates returns the chat candidates in the order they are tried.
func (g *Gateway) Candidates() []Candidate {
	var out []Candidate
	for _, host := range g.hosts() {
		if g.namedModel != "" {
			out = append(out, g.localCandidate(host, g.namedModel, true))
		}
		if g.defaultModel != "" && g.defaultModel != g.namedModel {
			out = append(out, g.localCandidate(host, g.defaultModel, false))
		}
	}
	if g.remote != nil {
		out = append(out, Candidate{
			Name:    "ark:" + g.remoteName,
			Model:   g.remoteName,
			Timeout: g.timeout,
			backend: g.remote,
		})
	}
	return out
}

func (g *Gateway) localCandidate(host, name string, named bool) Candidate {
	return Candidate{
		Name:    candidateName(name, host),
		Host:    host,
		Model:   name,
		Named:   named,
		Timeout: g.timeout,
		backend: g.connector.ChatModel(host, name),
	}
}

// VisionCandidates returns the image candidates in the order they are tried.
func (g *Gateway) VisionCandidates() []Candidate {
	if g.visionModel == "" {
		return nil
	}
	var out []Candidate
	for _, host := range g.hosts() {
		out = append(out, Candidate{
			Name:    candidateName(g.visionModel, host),
			Host:    host,
			Model:   g.visionModel,
			Timeout: g.timeout,
			vision:  g.connector.VisionModel(host, g.visionModel),
		})
	}
	return out
}

func candidateName(model, host string) string {
	return model + "@" + host
}

// GetReply tries every candidate in order and returns the first acceptable
// reply. turns is never modified; each candidate gets its own copy carrying
// the candidate's preamble as the leading system message.
func (g *Gateway) GetReply(ctx context.Context, username string, turns []*schema.Message) ReplyResult {
	gate := g.newHostGate()
	for _, cand := range g.Candidates() {
		if ctx.Err() != nil {
			break
		}
		if !gate.reachable(ctx, cand.Host) {
			continue
		}

		input := g.withPreamble(turns, cand, username)
		text, err := g.attempt(ctx, cand, func(cctx context.Context) (string, error) {
			msg, err := cand.backend.Generate(cctx, input)
			if err != nil {
				return "", err
			}
			if msg == nil {
				return "", errors.New("empty response")
			}
			return msg.Content, nil
		})
		if err != nil {
			continue
		}
		return ReplyResult{Text: text, ModelUsed: cand.Name, Succeeded: true}
	}
	return ReplyResult{}
}

// GetImageReply asks each vision candidate in order about image.
func (g *Gateway) GetImageReply(ctx context.Context, prompt string, image []byte) ReplyResult {
	gate := g.newHostGate()
	for _, cand := range g.VisionCandidates() {
		if ctx.Err() != nil {
			break
		}
		if !gate.reachable(ctx, cand.Host) {
			continue
		}

		text, err := g.attempt(ctx, cand, func(cctx context.Context) (string, error) {
			return cand.vision.DescribeImage(cctx, prompt, image)
		})
		if err != nil {
			continue
		}
		return ReplyResult{Text: text, ModelUsed: cand.Name, Succeeded: true}
	}
	return ReplyResult{}
}

// hostGate probes each local host at most once per request, so a host that
// accepts connections but never answers costs one probe timeout instead of a
// full generation timeout per model.
type hostGate struct {
	g     *Gateway
	state map[string]bool
}

func (g *Gateway) newHostGate() *hostGate {
	return &hostGate{g: g, state: make(map[string]bool)}
}

func (h *hostGate) reachable(ctx context.Context, host string) bool {
	// remote candidates have no host to probe
	if host == "" {
		return true
	}
	if up, ok := h.state[host]; ok {
		return up
	}

	_, err := h.g.probe(ctx, host)
	up := err == nil
	h.state[host] = up
	if !up {
		h.g.metrics.RecordHostProbeFailure(host)
		log.Warn().Err(err).Str("host", host).Msg("inference host unreachable, skipping its candidates")
	}
	return up
}

// attempt runs one candidate call under the candidate's own timeout and
// applies the minimal-length rule.
func (g *Gateway) attempt(ctx context.Context, cand Candidate, call func(context.Context) (string, error)) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, cand.Timeout)
	defer cancel()

	start := time.Now()
	text, err := call(cctx)
	elapsed := time.Since(start)

	if err == nil {
		text = strings.TrimSpace(text)
		if len([]rune(text)) <= MinReplyLength {
			err = fmt.Errorf("%w: %d characters", ErrReplyTooShort, len([]rune(text)))
		}
	}

	status := "success"
	switch {
	case errors.Is(err, ErrReplyTooShort):
		status = "short_reply"
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case ollama.IsModelNotFound(err):
		status = "model_not_found"
	case err != nil:
		status = "error"
	}
	g.metrics.RecordCandidate(cand.Name, status, elapsed.Seconds())

	if err != nil {
		log.Warn().Err(err).
			Str("candidate", cand.Name).
			Dur("elapsed", elapsed).
			Msg("inference candidate failed")
		return "", err
	}

	log.Debug().Str("candidate", cand.Name).Dur("elapsed", elapsed).Int("length", len(text)).Msg("inference candidate answered")
	return text, nil
}

func (g *Gateway) withPreamble(turns []*schema.Message, cand Candidate, username string) []*schema.Message {
	preamble := schema.SystemMessage(g.prompts.SystemPrompt(cand.Named, username))

	rest := turns
	if len(rest) > 0 && rest[0] != nil && rest[0].Role == schema.System {
		rest = rest[1:]
	}

	out := make([]*schema.Message, 0, len(rest)+1)
	out = append(out, preamble)
	out = append(out, rest...)
	return out
}

// Configure probes host:port and, when it answers, makes it the active host.
// A port <= 0 keeps the port already in host, or the Ollama default.
func (g *Gateway) Configure(ctx context.Context, host string, port int) (*HostInfo, error) {
	if strings.TrimSpace(host) == "" {
		return nil, ErrInvalidHost
	}

	base := config.NormalizeHost(host)
	if port > 0 || !config.HasPort(base) {
		base = config.JoinHostPort(base, port)
	}

	info, err := g.probe(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to ollama at %s: %w", base, err)
	}

	g.mu.Lock()
	previous := g.active
	g.active = base
	g.mu.Unlock()

	if previous != base {
		g.metrics.RecordHostSwitch()
	}
	log.Info().Str("from", previous).Str("to", base).Int("models", len(info.Models)).Msg("active ollama host switched")
	return info, nil
}

func (g *Gateway) probe(ctx context.Context, host string) (*HostInfo, error) {
	pctx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()
	return g.connector.Probe(pctx, host)
}
