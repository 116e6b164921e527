// Package services builds the one-instance-per-subsystem value object that
// breaks the cycle spec.md §9's re-architecture guidance calls out: "Cyclic
// references between engine, daemon, and worker (all carry references to
// each other in the source)". Instead, a single process-wide initialization
// phase (Build) constructs every subsystem exactly once and returns a
// Services bundle that the Engine, Daemon, and Worker each receive by
// reference; no component owns another. Apart from the Prometheus registry
// and collectors in internal/metrics, no package-level mutable singleton
// exists in this repo.
package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/sosproject/sentinel/internal/capability"
	"github.com/sosproject/sentinel/internal/config"
	"github.com/sosproject/sentinel/internal/identity"
	"github.com/sosproject/sentinel/internal/llm"
	"github.com/sosproject/sentinel/internal/notifyadapter"
	"github.com/sosproject/sentinel/internal/queue"
	"github.com/sosproject/sentinel/internal/resilience/ratelimit"
	"github.com/sosproject/sentinel/internal/task"
	"github.com/sosproject/sentinel/internal/worker"
)

// Services bundles every constructed subsystem. cmd/sosd wires it once at
// boot and hands views of it to the Engine, the Daemon, and (if hosted
// in-process) the Worker; cmd/sosctl never builds one, since it only ever
// speaks to the Engine's HTTP surface.
type Services struct {
	Config config.Config
	Log    logr.Logger

	Tasks     *task.Store
	Workers   *worker.Registry
	Identities *identity.Registry
	Models    *llm.Registry
	Bus       *queue.Bus
	Limiter   *ratelimit.Limiter
	Issuer    *capability.Issuer
	Verifier  *capability.Verifier
	Notifier  notifyadapter.Notifier
}

// Build constructs every subsystem from cfg: first the Task Store, Worker
// Registry, and Identity Registry (which depend only on disk paths), then
// the Model Adapter Registry (provider keys), the Queue Bus (a Redis
// address), and finally the rate limiter, the capability issuer/verifier,
// and the notifier. Nothing here depends on the Engine or Daemon, which are
// built by the caller from this bundle.
func Build(ctx context.Context, cfg config.Config, log logr.Logger) (*Services, error) {
	tasks, err := task.NewStore(cfg.Home + "/tasks")
	if err != nil {
		return nil, fmt.Errorf("build task store: %w", err)
	}

	workers, err := worker.NewRegistry(cfg.Home + "/workers")
	if err != nil {
		return nil, fmt.Errorf("build worker registry: %w", err)
	}

	identities, err := identity.NewRegistry(cfg.Home + "/identities")
	if err != nil {
		return nil, fmt.Errorf("build identity registry: %w", err)
	}

	models, err := buildModelRegistry(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build model adapter registry: %w", err)
	}

	rdb := queue.NewClient(cfg.RedisAddr)
	bus := queue.New(rdb, log)

	limiter := ratelimit.New(ratelimit.DefaultConfig(), 10*time.Minute)

	issuer, verifier, err := buildCapability(cfg)
	if err != nil {
		return nil, fmt.Errorf("build capability subsystem: %w", err)
	}

	notifier := buildNotifier(cfg)

	return &Services{
		Config:     cfg,
		Log:        log,
		Tasks:      tasks,
		Workers:    workers,
		Identities: identities,
		Models:     models,
		Bus:        bus,
		Limiter:    limiter,
		Issuer:     issuer,
		Verifier:   verifier,
		Notifier:   notifier,
	}, nil
}

// buildModelRegistry constructs one adapter per spec.md §4.3's five named
// providers, skipping any whose required key set is empty — except the
// local shim, which may run key-less against a local inference server —
// and refusing to start if not a single adapter could be built.
func buildModelRegistry(cfg config.Config, log logr.Logger) (*llm.Registry, error) {
	var adapters []llm.Adapter

	type candidate struct {
		adapterCfg llm.Config
		keys       []string
		required   bool
	}

	candidates := []candidate{
		{adapterCfg: llm.Config{Type: "anthropic", Name: "primary-preview", Layer: 1, Model: "claude-preview", MaxTokens: 4096}, keys: cfg.Providers.AnthropicAPIKeys, required: true},
		{adapterCfg: llm.Config{Type: "anthropic", Name: "long-context", Layer: 2, Model: "claude-long-context", MaxTokens: 8192}, keys: cfg.Providers.AnthropicAPIKeys, required: true},
		{adapterCfg: llm.Config{Type: "openai-compatible", Name: "frontier", Layer: 3, Model: "frontier-general", MaxTokens: 4096}, keys: cfg.Providers.FrontierAPIKeys, required: true},
		{adapterCfg: llm.Config{Type: "openai-compatible", Name: "free-tier", Layer: 4, Model: "free-tier-general", MaxTokens: 2048}, keys: cfg.Providers.FreeTierAPIKeys, required: true},
	}

	for _, c := range candidates {
		if len(c.keys) == 0 {
			continue
		}
		c.adapterCfg.APIKeys = c.keys
		a, err := llm.NewAdapter(c.adapterCfg)
		if err != nil {
			log.Error(err, "skipping model adapter: construction failed", "adapter", c.adapterCfg.Name)
			continue
		}
		adapters = append(adapters, a)
	}

	// The local shim is keyless by design (spec.md §4.3): it always
	// participates in routing, as the last layer, when an endpoint is
	// configured.
	if cfg.Providers.LocalEndpoint != "" {
		a, err := llm.NewAdapter(llm.Config{Type: "local", Name: "local-shim", Layer: 5, Endpoint: cfg.Providers.LocalEndpoint, Model: "local-model"})
		if err != nil {
			log.Error(err, "skipping local model shim: construction failed")
		} else {
			adapters = append(adapters, a)
		}
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no model adapter could be constructed: configure at least one SOS_<PROVIDER>_API_KEYS or SOS_LOCAL_MODEL_ENDPOINT")
	}

	return llm.NewRegistry(log, adapters...), nil
}

// buildCapability constructs the Issuer (and a Verifier bound to the same
// keypair) from a configured signing key, or generates a fresh ed25519
// keypair if none is configured — acceptable for a single-host deployment
// where the Issuer and every Verifier live in the same process.
func buildCapability(cfg config.Config) (*capability.Issuer, *capability.Verifier, error) {
	var priv []byte
	if cfg.IssuerSigningKeyHex != "" {
		decoded, err := hex.DecodeString(cfg.IssuerSigningKeyHex)
		if err != nil {
			return nil, nil, fmt.Errorf("decode issuer signing key: %w", err)
		}
		priv = decoded
	}

	issuer, err := capability.NewIssuer("sos-gatekeeper", priv)
	if err != nil {
		return nil, nil, err
	}
	verifier := capability.NewVerifier("sos-gatekeeper", issuer.PublicKey())
	return issuer, verifier, nil
}

// buildNotifier constructs the Report loop's notification channel: a Slack
// notifier when a bot token is configured, bounded by a per-delivery
// timeout so a slow webhook cannot stall the Report loop's own tick
// interval; NullNotifier otherwise.
func buildNotifier(cfg config.Config) notifyadapter.Notifier {
	if cfg.SlackBotToken == "" || cfg.SlackChannel == "" {
		return notifyadapter.NullNotifier{}
	}
	return notifyadapter.WithTimeout(notifyadapter.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannel), reportNotifyTimeout)
}

const reportNotifyTimeout = 10 * time.Second
