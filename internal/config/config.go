// Package config loads and validates the typed configuration for
// agentkerneld: Agent Manager limits, Model Registry seed entries, Kernel
// Manager backend selection, and ambient logging settings. Grounded on the
// teacher's internal/multiagent.LoadConfig/ParseConfigYAML/ValidateConfig
// trio, adapted from a handoff-routing agent roster to this system's
// namespace/quota/model-resolution control plane.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RootConfig is the top-level configuration document for agentkerneld.
type RootConfig struct {
	AgentManager AgentManagerConfig `yaml:"agentManager"`
	Models       []ModelSeed        `yaml:"models"`
	Kernel       KernelConfig       `yaml:"kernel"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// AgentManagerConfig mirrors the options accepted by
// agentmanager.New/agentmanager.Option.
type AgentManagerConfig struct {
	MaxAgents             int      `yaml:"maxAgents"`
	MaxAgentsPerNamespace int      `yaml:"maxAgentsPerNamespace"`
	DefaultModelID        string   `yaml:"defaultModelId"`
	DefaultMaxSteps       int      `yaml:"defaultMaxSteps"`
	MaxStepsCap           int      `yaml:"maxStepsCap"`
	AgentDataDirectory    string   `yaml:"agentDataDirectory"`
	AutoSaveConversations bool     `yaml:"autoSaveConversations"`
	DefaultKernelType     string   `yaml:"defaultKernelType"`
	AllowedModels         []string `yaml:"allowedModels"`
	AllowCustomModels     bool     `yaml:"allowCustomModels"`
	CleanupSchedule       string   `yaml:"cleanupSchedule"`
	CleanupKeepCount      int      `yaml:"cleanupKeepCount"`
}

// ModelSeed is one entry to register with the Model Registry at startup.
type ModelSeed struct {
	ID          string  `yaml:"id"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"baseURL"`
	APIKey      string  `yaml:"apiKey"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
	TopP        float64 `yaml:"topP"`
}

// KernelConfig selects and configures the Kernel Manager's backend.
type KernelConfig struct {
	// Backend is "subprocess" (default) or "firecracker".
	Backend     string              `yaml:"backend"`
	Commands    map[string][]string `yaml:"commands"`
	Firecracker FirecrackerConfig   `yaml:"firecracker"`
	ListenerCap int                 `yaml:"listenerCap"`
}

// FirecrackerConfig names the boot images used by the Firecracker backend,
// keyed by language.
type FirecrackerConfig struct {
	Images map[string]FirecrackerImageConfig `yaml:"images"`
}

// FirecrackerImageConfig is one language's kernel/rootfs image pair.
type FirecrackerImageConfig struct {
	KernelPath string `yaml:"kernelPath"`
	RootFSPath string `yaml:"rootFSPath"`
}

// LoggingConfig configures the ambient slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, expands environment variables, and parses it as YAML.
func Load(path string) (*RootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration data, applying defaults and running
// validation.
func ParseYAML(data []byte) (*RootConfig, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg RootConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if errs := ValidateConfig(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid configuration: %w", joinErrors(errs))
	}
	return &cfg, nil
}

func applyDefaults(cfg *RootConfig) {
	if cfg.AgentManager.MaxAgents == 0 {
		cfg.AgentManager.MaxAgents = 50
	}
	if cfg.AgentManager.MaxAgentsPerNamespace == 0 {
		cfg.AgentManager.MaxAgentsPerNamespace = 10
	}
	if cfg.AgentManager.DefaultMaxSteps == 0 {
		cfg.AgentManager.DefaultMaxSteps = 10
	}
	if cfg.AgentManager.MaxStepsCap == 0 {
		cfg.AgentManager.MaxStepsCap = 10
	}
	if cfg.AgentManager.AgentDataDirectory == "" {
		cfg.AgentManager.AgentDataDirectory = "./agent_data"
	}
	if cfg.AgentManager.CleanupKeepCount == 0 {
		cfg.AgentManager.CleanupKeepCount = 10
	}
	if cfg.Kernel.Backend == "" {
		cfg.Kernel.Backend = "subprocess"
	}
	if cfg.Kernel.ListenerCap == 0 {
		cfg.Kernel.ListenerCap = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ValidateConfig checks cfg for internal consistency, returning every
// violation found rather than stopping at the first. Grounded on
// multiagent.ValidateConfig's duplicate-id-accumulation idiom, generalized
// from agent rosters to model seeds and kernel backend selection.
func ValidateConfig(cfg *RootConfig) []error {
	var errs []error
	if cfg == nil {
		return []error{fmt.Errorf("config is nil")}
	}

	seenModelIDs := make(map[string]bool)
	for i, m := range cfg.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("model at index %d has no id", i))
			continue
		}
		if seenModelIDs[m.ID] {
			errs = append(errs, fmt.Errorf("duplicate model id: %s", m.ID))
		}
		seenModelIDs[m.ID] = true
		if m.Model == "" {
			errs = append(errs, fmt.Errorf("model %q has no model name", m.ID))
		}
	}

	if cfg.AgentManager.DefaultModelID != "" && !seenModelIDs[cfg.AgentManager.DefaultModelID] {
		errs = append(errs, fmt.Errorf("agentManager.defaultModelId %q is not among the seeded models", cfg.AgentManager.DefaultModelID))
	}

	for _, id := range cfg.AgentManager.AllowedModels {
		if !seenModelIDs[id] {
			errs = append(errs, fmt.Errorf("agentManager.allowedModels references unknown model id: %s", id))
		}
	}

	if cfg.AgentManager.MaxAgentsPerNamespace > cfg.AgentManager.MaxAgents && cfg.AgentManager.MaxAgents > 0 {
		errs = append(errs, fmt.Errorf("agentManager.maxAgentsPerNamespace (%d) cannot exceed maxAgents (%d)",
			cfg.AgentManager.MaxAgentsPerNamespace, cfg.AgentManager.MaxAgents))
	}

	switch cfg.Kernel.Backend {
	case "subprocess", "firecracker":
	default:
		errs = append(errs, fmt.Errorf("kernel.backend must be \"subprocess\" or \"firecracker\", got %q", cfg.Kernel.Backend))
	}

	if cfg.Kernel.Backend == "firecracker" && len(cfg.Kernel.Firecracker.Images) == 0 {
		errs = append(errs, fmt.Errorf("kernel.backend is \"firecracker\" but kernel.firecracker.images is empty"))
	}
	for lang, img := range cfg.Kernel.Firecracker.Images {
		if img.KernelPath == "" || img.RootFSPath == "" {
			errs = append(errs, fmt.Errorf("kernel.firecracker.images[%s] requires both kernelPath and rootFSPath", lang))
		}
	}

	return errs
}

func joinErrors(errs []error) error {
	msg := ""
	for i, err := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += err.Error()
	}
	return fmt.Errorf("%s", msg)
}
