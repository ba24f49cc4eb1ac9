package main

import (
	"fmt"
	"log/slog"

	"github.com/nexuscore/agentkernel/internal/agentmanager"
	"github.com/nexuscore/agentkernel/internal/config"
	"github.com/nexuscore/agentkernel/internal/kernelmanager"
	"github.com/nexuscore/agentkernel/internal/modelregistry"
)

// controlPlane bundles the three collaborators agentkerneld composes: the
// Model Registry, the Kernel Manager, and the Agent Manager sitting on top
// of both.
type controlPlane struct {
	models  *modelregistry.Registry
	kernels *kernelmanager.Manager
	agents  *agentmanager.Manager
}

// buildControlPlane translates a validated config.RootConfig into live
// collaborators, wiring the Agent Manager's KernelManager dependency
// through kernelmanager.NewAdapter and the Model Registry's usage counter
// back through the Agent Manager, per the bidirectional contract both
// packages were built against.
func buildControlPlane(cfg *config.RootConfig, logger *slog.Logger) (*controlPlane, error) {
	models := modelregistry.New(
		modelregistry.WithAllowCustomModels(cfg.AgentManager.AllowCustomModels),
		modelregistry.WithAllowedModels(cfg.AgentManager.AllowedModels),
		modelregistry.WithDefaultModelID(cfg.AgentManager.DefaultModelID),
	)
	for _, seed := range cfg.Models {
		settings := modelregistry.ModelSettings{
			Model:       seed.Model,
			BaseURL:     seed.BaseURL,
			APIKey:      seed.APIKey,
			Temperature: seed.Temperature,
			MaxTokens:   seed.MaxTokens,
			TopP:        seed.TopP,
		}
		if !models.AddModel(seed.ID, settings) {
			return nil, fmt.Errorf("buildControlPlane: duplicate model id %q", seed.ID)
		}
	}

	kernels, err := buildKernelManager(cfg.Kernel, logger)
	if err != nil {
		return nil, fmt.Errorf("buildControlPlane: %w", err)
	}

	agents := agentmanager.New(
		agentmanager.WithMaxAgents(cfg.AgentManager.MaxAgents),
		agentmanager.WithMaxAgentsPerNamespace(cfg.AgentManager.MaxAgentsPerNamespace),
		agentmanager.WithDefaultModelID(cfg.AgentManager.DefaultModelID),
		agentmanager.WithDefaultMaxSteps(cfg.AgentManager.DefaultMaxSteps),
		agentmanager.WithMaxStepsCap(cfg.AgentManager.MaxStepsCap),
		agentmanager.WithAgentDataDirectory(cfg.AgentManager.AgentDataDirectory),
		agentmanager.WithAutoSaveConversations(cfg.AgentManager.AutoSaveConversations),
		agentmanager.WithDefaultKernelType(agentmanager.KernelType(cfg.AgentManager.DefaultKernelType)),
		agentmanager.WithAllowedModels(cfg.AgentManager.AllowedModels),
		agentmanager.WithAllowCustomModels(cfg.AgentManager.AllowCustomModels),
		agentmanager.WithModelRegistry(models),
		agentmanager.WithKernelManager(kernelmanager.NewAdapter(kernels)),
		agentmanager.WithLogger(logger),
	)

	// Close the loop: RemoveModel's in-use check and GetModelStats consult
	// the Agent Manager, and registry mutations publish on the Agent
	// Manager's bus, but the Registry must exist before the Agent Manager
	// can reference it. Both options are applied to the already-built
	// registry now that agents exists; the seeding AddModel calls above ran
	// without a usage counter or bus, which is fine since AddModel never
	// consults usage and nothing subscribes before this point.
	modelregistry.WithUsageCounter(agents)(models)
	modelregistry.WithBus(agents.Bus())(models)

	return &controlPlane{models: models, kernels: kernels, agents: agents}, nil
}

func buildKernelManager(kcfg config.KernelConfig, logger *slog.Logger) (*kernelmanager.Manager, error) {
	opts := []kernelmanager.Option{
		kernelmanager.WithLogger(logger),
	}
	if kcfg.ListenerCap > 0 {
		opts = append(opts, kernelmanager.WithListenerCap(kcfg.ListenerCap))
	}

	switch kcfg.Backend {
	case "", "subprocess":
		var subOpts []kernelmanager.SubprocessOption
		for lang, argv := range kcfg.Commands {
			if len(argv) == 0 {
				continue
			}
			subOpts = append(subOpts, kernelmanager.WithCommand(lang, argv...))
		}
		opts = append(opts, kernelmanager.WithBackend(kernelmanager.NewSubprocessBackend(subOpts...)))
	case "firecracker":
		images := make(map[string]kernelmanager.FirecrackerImage, len(kcfg.Firecracker.Images))
		for lang, img := range kcfg.Firecracker.Images {
			images[lang] = kernelmanager.FirecrackerImage{
				KernelPath: img.KernelPath,
				RootFSPath: img.RootFSPath,
			}
		}
		opts = append(opts, kernelmanager.WithBackend(kernelmanager.NewFirecrackerBackend(images)))
	default:
		return nil, fmt.Errorf("unknown kernel backend %q", kcfg.Backend)
	}

	return kernelmanager.New(opts...), nil
}
