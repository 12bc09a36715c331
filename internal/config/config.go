// Package config loads the conveyor configuration snapshot.
//
// The snapshot is read once at process start (YAML file, then CONVEYOR_*
// environment overrides, then defaults) and passed explicitly to every
// component. Nothing in this package is mutated after Load returns.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Config holds the complete conveyor configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Projects  []ProjectConfig `koanf:"projects"`
	Gates     GatesConfig     `koanf:"gates"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Notify    NotifyConfig    `koanf:"notify"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	GitHub    GitHubConfig    `koanf:"github"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP ingress configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// WebhookRate is the per-client request rate for /webhooks/github.
	WebhookRate  float64 `koanf:"webhook_rate"`
	WebhookBurst int     `koanf:"webhook_burst"`

	// MCP exposes run status and approval tools on /mcp.
	MCP bool `koanf:"mcp"`
}

// PipelineConfig holds change detection and topology policy.
type PipelineConfig struct {
	ReleaseBranch string `koanf:"release_branch"`

	// PipelinePaths mark every project affected when touched.
	PipelinePaths []string `koanf:"pipeline_paths"`

	// MaxFanOut bounds the dependency closure before degrading to all
	// projects. Zero disables the bound.
	MaxFanOut int `koanf:"max_fan_out"`

	// UnownedPaths is "ignore" or "all".
	UnownedPaths string `koanf:"unowned_paths"`

	// ChangeSource computes touched paths when a trigger omits them:
	// "git", "github" or "none".
	ChangeSource string `koanf:"change_source"`
	RepoPath     string `koanf:"repo_path"`

	// DiscoverRoots lists directories whose children are projects.
	DiscoverRoots []string `koanf:"discover_roots"`
}

// ProjectConfig declares one project.
type ProjectConfig struct {
	ID        string   `koanf:"id"`
	Root      string   `koanf:"root"`
	DependsOn []string `koanf:"depends_on"`
}

// GatesConfig holds the gate policy for each gated stage.
type GatesConfig struct {
	Staging    GateConfig `koanf:"staging"`
	Production GateConfig `koanf:"production"`
	Release    GateConfig `koanf:"release"`
}

// GateConfig composes the gates guarding a stage. All must pass. The
// automatic predecessor check is always applied.
type GateConfig struct {
	RequireApproval bool     `koanf:"require_approval"`
	Reviewers       []string `koanf:"reviewers"`
	MinApprovals    int      `koanf:"min_approvals"`
	Wait            Duration `koanf:"wait"`
}

// ExecutorConfig holds collaborator invocation policy.
type ExecutorConfig struct {
	Backend           string   `koanf:"backend"`
	Timeout           Duration `koanf:"timeout"`
	MaxAttempts       int      `koanf:"max_attempts"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`

	// Workers bounds concurrent collaborator calls across all runs.
	Workers int `koanf:"workers"`

	HTTP     HTTPExecutorConfig     `koanf:"http"`
	Temporal TemporalExecutorConfig `koanf:"temporal"`
}

// HTTPExecutorConfig configures the HTTP collaborator backend.
type HTTPExecutorConfig struct {
	Endpoint string `koanf:"endpoint"`
	Token    Secret `koanf:"token"`
}

// TemporalExecutorConfig configures the Temporal collaborator backend.
type TemporalExecutorConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
	Workflow  string `koanf:"workflow"`
}

// NotifyConfig holds notification sinks and delivery policy.
type NotifyConfig struct {
	QueueSize      int                 `koanf:"queue_size"`
	MaxAttempts    int                 `koanf:"max_attempts"`
	InitialBackoff Duration            `koanf:"initial_backoff"`
	Webhooks       []WebhookSinkConfig `koanf:"webhooks"`
	NATS           NATSSinkConfig      `koanf:"nats"`
	GitHubStatus   bool                `koanf:"github_status"`
}

// WebhookSinkConfig is one HTTP notification endpoint.
type WebhookSinkConfig struct {
	Name  string `koanf:"name"`
	URL   string `koanf:"url"`
	Token Secret `koanf:"token"`
}

// NATSSinkConfig publishes notifications to NATS subjects.
type NATSSinkConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LedgerConfig holds run persistence settings.
type LedgerConfig struct {
	Path       string   `koanf:"path"`
	InMemory   bool     `koanf:"in_memory"`
	SyncWrites bool     `koanf:"sync_writes"`
	GCInterval Duration `koanf:"gc_interval"`
}

// GitHubConfig holds GitHub API and webhook credentials.
type GitHubConfig struct {
	Owner         string `koanf:"owner"`
	Repo          string `koanf:"repo"`
	BaseURL       string `koanf:"base_url"`
	Token         Secret `koanf:"token"`
	WebhookSecret Secret `koanf:"webhook_secret"`
}

// LoggingConfig selects level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Gate returns the gate policy for a stage. CI is never gated.
func (g GatesConfig) Gate(stage pipeline.Stage) (GateConfig, bool) {
	switch stage {
	case pipeline.StageStaging:
		return g.Staging, true
	case pipeline.StageProduction:
		return g.Production, true
	case pipeline.StageRelease:
		return g.Release, true
	default:
		return GateConfig{}, false
	}
}

// Validate checks the snapshot for errors. Project graph errors (cycles,
// unknown references) are reported by project.NewGraph.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return pipeline.NewConfigurationError("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Pipeline.ReleaseBranch == "" {
		return pipeline.NewConfigurationError("pipeline.release_branch", "is required")
	}
	if c.Pipeline.MaxFanOut < 0 {
		return pipeline.NewConfigurationError("pipeline.max_fan_out", "must be >= 0")
	}
	switch c.Pipeline.UnownedPaths {
	case "ignore", "all":
	default:
		return pipeline.NewConfigurationError("pipeline.unowned_paths", "must be \"ignore\" or \"all\", got %q", c.Pipeline.UnownedPaths)
	}
	switch c.Pipeline.ChangeSource {
	case "none":
	case "git":
		if c.Pipeline.RepoPath == "" {
			return pipeline.NewConfigurationError("pipeline.repo_path", "is required for the git change source")
		}
	case "github":
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return pipeline.NewConfigurationError("github", "owner and repo are required for the github change source")
		}
	default:
		return pipeline.NewConfigurationError("pipeline.change_source", "unknown source %q", c.Pipeline.ChangeSource)
	}

	if err := c.validateGates(); err != nil {
		return err
	}
	if err := c.validateExecutor(); err != nil {
		return err
	}
	return c.validateNotify()
}

func (c *Config) validateGates() error {
	prod := c.Gates.Production
	if !prod.RequireApproval {
		return pipeline.NewConfigurationError("gates.production.require_approval", "production must require approval")
	}
	for _, stage := range []pipeline.Stage{pipeline.StageStaging, pipeline.StageProduction, pipeline.StageRelease} {
		g, _ := c.Gates.Gate(stage)
		field := "gates." + string(stage)
		if g.RequireApproval && len(g.Reviewers) == 0 {
			return pipeline.NewConfigurationError(field+".reviewers", "at least one reviewer is required when approval is required")
		}
		if g.MinApprovals < 0 {
			return pipeline.NewConfigurationError(field+".min_approvals", "must be >= 0")
		}
		if g.MinApprovals > len(g.Reviewers) && g.RequireApproval {
			return pipeline.NewConfigurationError(field+".min_approvals", "%d exceeds reviewer count %d", g.MinApprovals, len(g.Reviewers))
		}
	}
	return nil
}

func (c *Config) validateExecutor() error {
	e := c.Executor
	switch e.Backend {
	case "noop":
	case "http":
		if _, err := url.ParseRequestURI(e.HTTP.Endpoint); err != nil {
			return pipeline.NewConfigurationError("executor.http.endpoint", "invalid url: %v", err)
		}
	case "temporal":
		if e.Temporal.TaskQueue == "" || e.Temporal.Workflow == "" {
			return pipeline.NewConfigurationError("executor.temporal", "task_queue and workflow are required")
		}
	default:
		return pipeline.NewConfigurationError("executor.backend", "unknown backend %q", e.Backend)
	}
	if e.MaxAttempts < 1 {
		return pipeline.NewConfigurationError("executor.max_attempts", "must be >= 1")
	}
	if e.Workers < 1 {
		return pipeline.NewConfigurationError("executor.workers", "must be >= 1")
	}
	if e.Timeout.Duration() <= 0 {
		return pipeline.NewConfigurationError("executor.timeout", "must be positive")
	}
	return nil
}

func (c *Config) validateNotify() error {
	for i, w := range c.Notify.Webhooks {
		if _, err := url.ParseRequestURI(w.URL); err != nil {
			return pipeline.NewConfigurationError(fmt.Sprintf("notify.webhooks[%d].url", i), "invalid url: %v", err)
		}
	}
	if c.Notify.GitHubStatus && (c.GitHub.Owner == "" || c.GitHub.Repo == "") {
		return pipeline.NewConfigurationError("notify.github_status", "github.owner and github.repo are required")
	}
	if c.Notify.NATS.URL != "" && strings.TrimSpace(c.Notify.NATS.SubjectPrefix) == "" {
		return pipeline.NewConfigurationError("notify.nats.subject_prefix", "is required when nats is configured")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.WebhookRate == 0 {
		cfg.Server.WebhookRate = 1
	}
	if cfg.Server.WebhookBurst == 0 {
		cfg.Server.WebhookBurst = 10
	}

	if cfg.Pipeline.ReleaseBranch == "" {
		cfg.Pipeline.ReleaseBranch = "main"
	}
	if cfg.Pipeline.UnownedPaths == "" {
		cfg.Pipeline.UnownedPaths = "ignore"
	}
	if cfg.Pipeline.ChangeSource == "" {
		cfg.Pipeline.ChangeSource = "none"
	}
	if cfg.Pipeline.PipelinePaths == nil {
		cfg.Pipeline.PipelinePaths = []string{".github/workflows/", "conveyor.yaml"}
	}

	for _, g := range []*GateConfig{&cfg.Gates.Staging, &cfg.Gates.Production, &cfg.Gates.Release} {
		if g.RequireApproval && g.MinApprovals == 0 {
			g.MinApprovals = 1
		}
	}

	if cfg.Executor.Backend == "" {
		cfg.Executor.Backend = "noop"
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = Duration(30 * time.Minute)
	}
	if cfg.Executor.MaxAttempts == 0 {
		cfg.Executor.MaxAttempts = 3
	}
	if cfg.Executor.InitialBackoff == 0 {
		cfg.Executor.InitialBackoff = Duration(time.Second)
	}
	if cfg.Executor.MaxBackoff == 0 {
		cfg.Executor.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Executor.BackoffMultiplier == 0 {
		cfg.Executor.BackoffMultiplier = 2
	}
	if cfg.Executor.Workers == 0 {
		cfg.Executor.Workers = 8
	}
	if cfg.Executor.Temporal.HostPort == "" {
		cfg.Executor.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Executor.Temporal.Namespace == "" {
		cfg.Executor.Temporal.Namespace = "default"
	}

	if cfg.Notify.QueueSize == 0 {
		cfg.Notify.QueueSize = 256
	}
	if cfg.Notify.MaxAttempts == 0 {
		cfg.Notify.MaxAttempts = 5
	}
	if cfg.Notify.InitialBackoff == 0 {
		cfg.Notify.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Notify.NATS.SubjectPrefix == "" {
		cfg.Notify.NATS.SubjectPrefix = "conveyor.runs"
	}

	if cfg.Ledger.Path == "" && !cfg.Ledger.InMemory {
		cfg.Ledger.Path = "data/ledger"
	}
	if cfg.Ledger.GCInterval == 0 {
		cfg.Ledger.GCInterval = Duration(10 * time.Minute)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1
	}
}
