package agentmanager

import "github.com/nexuscore/agentkernel/pkg/kernelproto"

// Agent Manager event types, published on the Manager's own bus. These
// share kernelproto.EventType's string representation (an Envelope is just
// {type, data}) without belonging to the fixed kernel-event set in
// pkg/kernelproto — the same pattern internal/modelregistry uses for its
// MODEL_* events.
const (
	EventAgentCreated        kernelproto.EventType = "agent_created"
	EventAgentError          kernelproto.EventType = "agent_error"
	EventAgentUpdated        kernelproto.EventType = "agent_updated"
	EventAgentDestroyed      kernelproto.EventType = "agent_destroyed"
	EventAgentKernelAttached kernelproto.EventType = "agent_kernel_attached"
	EventAgentKernelDetached kernelproto.EventType = "agent_kernel_detached"
)
