package agentcontract

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexuscore/agentkernel/internal/agentmanager"
	"github.com/nexuscore/agentkernel/internal/apperrors"
	"github.com/nexuscore/agentkernel/internal/kernel"
	"github.com/nexuscore/agentkernel/internal/modelregistry"
)

// ModelSettingsDTO is the wire shape of modelregistry.ModelSettings.
type ModelSettingsDTO struct {
	Model       string  `json:"model"`
	BaseURL     string  `json:"baseURL"`
	APIKey      string  `json:"apiKey,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
}

func (d ModelSettingsDTO) toSettings() modelregistry.ModelSettings {
	return modelregistry.ModelSettings{
		Model:       d.Model,
		BaseURL:     d.BaseURL,
		APIKey:      d.APIKey,
		Temperature: d.Temperature,
		MaxTokens:   d.MaxTokens,
		TopP:        d.TopP,
	}
}

// CreateAgentRequest is the wire shape of a createAgent call.
type CreateAgentRequest struct {
	ID               string             `json:"id"`
	Namespace        string             `json:"namespace,omitempty"`
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	ModelID          string             `json:"modelId,omitempty"`
	ModelSettings    *ModelSettingsDTO  `json:"modelSettings,omitempty"`
	MaxSteps         *int               `json:"maxSteps,omitempty"`
	KernelType       string             `json:"kernelType,omitempty"`
	AutoAttachKernel bool               `json:"autoAttachKernel,omitempty"`
	StartupScript    string             `json:"startupScript,omitempty"`
	KernelEnvirons   map[string]*string `json:"kernelEnvirons,omitempty"`
	Tags             map[string]string  `json:"tags,omitempty"`
}

// ToAgentConfig translates the wire request into agentmanager.AgentConfig.
func (r CreateAgentRequest) ToAgentConfig() agentmanager.AgentConfig {
	cfg := agentmanager.AgentConfig{
		ID:               r.ID,
		Namespace:        r.Namespace,
		Name:             r.Name,
		Description:      r.Description,
		ModelID:          r.ModelID,
		MaxSteps:         r.MaxSteps,
		KernelType:       agentmanager.KernelType(r.KernelType),
		AutoAttachKernel: r.AutoAttachKernel,
		StartupScript:    r.StartupScript,
		KernelEnvirons:   r.KernelEnvirons,
		Tags:             r.Tags,
	}
	if r.ModelSettings != nil {
		settings := r.ModelSettings.toSettings()
		cfg.ModelSettings = &settings
	}
	return cfg
}

// UpdateAgentRequest is the wire shape of an updateAgent call: every field
// is optional, matching agentmanager.AgentConfig's partial-merge contract.
type UpdateAgentRequest struct {
	Name           *string            `json:"name,omitempty"`
	Description    *string            `json:"description,omitempty"`
	ModelID        *string            `json:"modelId,omitempty"`
	ModelSettings  *ModelSettingsDTO  `json:"modelSettings,omitempty"`
	MaxSteps       *int               `json:"maxSteps,omitempty"`
	KernelType     *string            `json:"kernelType,omitempty"`
	StartupScript  *string            `json:"startupScript,omitempty"`
	KernelEnvirons map[string]*string `json:"kernelEnvirons,omitempty"`
	Tags           map[string]string  `json:"tags,omitempty"`
}

// ToAgentConfig translates the wire request into a partial
// agentmanager.AgentConfig suitable for Manager.UpdateAgent.
func (r UpdateAgentRequest) ToAgentConfig() agentmanager.AgentConfig {
	cfg := agentmanager.AgentConfig{
		MaxSteps:       r.MaxSteps,
		KernelEnvirons: r.KernelEnvirons,
		Tags:           r.Tags,
	}
	if r.Name != nil {
		cfg.Name = *r.Name
	}
	if r.Description != nil {
		cfg.Description = *r.Description
	}
	if r.ModelID != nil {
		cfg.ModelID = *r.ModelID
	}
	if r.ModelSettings != nil {
		settings := r.ModelSettings.toSettings()
		cfg.ModelSettings = &settings
	}
	if r.KernelType != nil {
		cfg.KernelType = agentmanager.KernelType(*r.KernelType)
	}
	if r.StartupScript != nil {
		cfg.StartupScript = *r.StartupScript
	}
	return cfg
}

// FilesystemMountDTO is the wire shape of kernel.FilesystemMount.
type FilesystemMountDTO struct {
	Enabled    bool   `json:"enabled"`
	HostRoot   string `json:"hostRoot"`
	GuestMount string `json:"guestMount"`
}

// CreateKernelRequest is the wire shape of an attachKernel/createKernel
// call at the Kernel Manager boundary.
type CreateKernelRequest struct {
	Lang       string              `json:"lang"`
	Env        map[string]*string  `json:"env,omitempty"`
	Filesystem *FilesystemMountDTO `json:"filesystem,omitempty"`
}

// ToPrimitives translates the wire request into the primitive arguments
// agentmanager.KernelManager's methods (and, through it,
// kernelmanager.Adapter) accept.
func (r CreateKernelRequest) ToPrimitives() (lang string, env map[string]*string, filesystem *kernel.FilesystemMount) {
	if r.Filesystem != nil {
		filesystem = &kernel.FilesystemMount{
			Enabled:    r.Filesystem.Enabled,
			HostRoot:   r.Filesystem.HostRoot,
			GuestMount: r.Filesystem.GuestMount,
		}
	}
	return r.Lang, r.Env, filesystem
}

// ParseCreateAgentRequest validates raw against the create-agent schema and
// unmarshals it into a CreateAgentRequest.
func ParseCreateAgentRequest(raw []byte) (CreateAgentRequest, error) {
	if err := initSchemas(); err != nil {
		return CreateAgentRequest{}, apperrors.Domain("agentcontract", "createAgent", "failed to compile schema", err)
	}
	var req CreateAgentRequest
	if err := validateAndUnmarshal(raw, registry.createAgent, "createAgent", &req); err != nil {
		return CreateAgentRequest{}, err
	}
	return req, nil
}

// ParseUpdateAgentRequest validates raw against the update-agent schema and
// unmarshals it into an UpdateAgentRequest.
func ParseUpdateAgentRequest(raw []byte) (UpdateAgentRequest, error) {
	if err := initSchemas(); err != nil {
		return UpdateAgentRequest{}, apperrors.Domain("agentcontract", "updateAgent", "failed to compile schema", err)
	}
	var req UpdateAgentRequest
	if err := validateAndUnmarshal(raw, registry.updateAgent, "updateAgent", &req); err != nil {
		return UpdateAgentRequest{}, err
	}
	return req, nil
}

// ParseCreateKernelRequest validates raw against the create-kernel schema
// and unmarshals it into a CreateKernelRequest.
func ParseCreateKernelRequest(raw []byte) (CreateKernelRequest, error) {
	if err := initSchemas(); err != nil {
		return CreateKernelRequest{}, apperrors.Domain("agentcontract", "createKernel", "failed to compile schema", err)
	}
	var req CreateKernelRequest
	if err := validateAndUnmarshal(raw, registry.createKernel, "createKernel", &req); err != nil {
		return CreateKernelRequest{}, err
	}
	return req, nil
}

func validateAndUnmarshal(raw []byte, schema *jsonschema.Schema, op string, out any) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperrors.Validation("agentcontract", op, fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := schema.Validate(payload); err != nil {
		return apperrors.Validation("agentcontract", op, fmt.Sprintf("schema validation failed: %v", err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Validation("agentcontract", op, fmt.Sprintf("failed to decode payload: %v", err))
	}
	return nil
}
