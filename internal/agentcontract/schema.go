// Package agentcontract validates external requests (JSON payloads for
// creating/updating agents and attaching kernels) against a JSON Schema
// before translating them into the internal agentmanager/kernel types,
// giving early, structured validation errors instead of ad hoc field
// checks scattered through the control plane. Grounded on the teacher's
// internal/gateway/ws_schema.go, which compiles a request envelope schema
// plus one schema per RPC method with santhosh-tekuri/jsonschema/v5 and
// validates inbound frames before they reach any handler.
package agentcontract

import (
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once         sync.Once
	initErr      error
	createAgent  *jsonschema.Schema
	updateAgent  *jsonschema.Schema
	createKernel *jsonschema.Schema
}

var registry schemaRegistry

func initSchemas() error {
	registry.once.Do(func() {
		var err error
		registry.createAgent, err = jsonschema.CompileString("create_agent", createAgentSchema)
		if err != nil {
			registry.initErr = err
			return
		}
		registry.updateAgent, err = jsonschema.CompileString("update_agent", updateAgentSchema)
		if err != nil {
			registry.initErr = err
			return
		}
		registry.createKernel, err = jsonschema.CompileString("create_kernel", createKernelSchema)
		if err != nil {
			registry.initErr = err
			return
		}
	})
	return registry.initErr
}

const modelSettingsSchema = `{
  "type": "object",
  "required": ["model", "baseURL"],
  "properties": {
    "model": { "type": "string", "minLength": 1 },
    "baseURL": { "type": "string", "minLength": 1 },
    "apiKey": { "type": "string" },
    "temperature": { "type": "number", "minimum": 0, "maximum": 2 },
    "maxTokens": { "type": "integer", "minimum": 1 },
    "topP": { "type": "number", "minimum": 0, "maximum": 1 }
  },
  "additionalProperties": false
}`

const createAgentSchema = `{
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "namespace": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "modelId": { "type": "string" },
    "modelSettings": ` + modelSettingsSchema + `,
    "maxSteps": { "type": "integer", "minimum": 1 },
    "kernelType": { "type": "string", "enum": ["PYTHON", "TYPESCRIPT", "JAVASCRIPT"] },
    "autoAttachKernel": { "type": "boolean" },
    "startupScript": { "type": "string" },
    "kernelEnvirons": {
      "type": "object",
      "additionalProperties": { "type": ["string", "null"] }
    },
    "tags": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false
}`

const updateAgentSchema = `{
  "type": "object",
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "modelId": { "type": "string" },
    "modelSettings": ` + modelSettingsSchema + `,
    "maxSteps": { "type": "integer", "minimum": 1 },
    "kernelType": { "type": "string", "enum": ["PYTHON", "TYPESCRIPT", "JAVASCRIPT"] },
    "startupScript": { "type": "string" },
    "kernelEnvirons": {
      "type": "object",
      "additionalProperties": { "type": ["string", "null"] }
    },
    "tags": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false
}`

const createKernelSchema = `{
  "type": "object",
  "required": ["lang"],
  "properties": {
    "lang": { "type": "string", "enum": ["python", "typescript", "javascript"] },
    "env": {
      "type": "object",
      "additionalProperties": { "type": ["string", "null"] }
    },
    "filesystem": {
      "type": "object",
      "required": ["enabled", "hostRoot", "guestMount"],
      "properties": {
        "enabled": { "type": "boolean" },
        "hostRoot": { "type": "string" },
        "guestMount": { "type": "string" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`
