package protocol

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	byType  map[FrameType]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		sources := map[FrameType]string{
			TypeDeviceRegister:  deviceRegisterSchema,
			TypeDeviceHeartbeat: deviceHeartbeatSchema,
			TypeToolResult:      toolResultSchema,
			TypeEvent:           eventSchema,
		}
		frameSchemas.byType = make(map[FrameType]*jsonschema.Schema, len(sources))
		for ft, src := range sources {
			compiled, err := jsonschema.CompileString("frame_"+string(ft)+".json", src)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.byType[ft] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateFrame checks a device-originated frame against its schema. Frame
// types without a schema pass.
func validateFrame(ft FrameType, raw []byte) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}
	schema := frameSchemas.byType[ft]
	if schema == nil {
		return nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

const deviceRegisterSchema = `{
  "type": "object",
  "required": ["type", "device_id", "hostname"],
  "properties": {
    "type": { "const": "device_register" },
    "device_id": { "type": "string", "minLength": 1 },
    "hostname": { "type": "string", "minLength": 1 },
    "os": { "type": "string" },
    "os_version": { "type": "string" },
    "capabilities": { "type": "object" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": true
}`

const deviceHeartbeatSchema = `{
  "type": "object",
  "required": ["type", "device_id"],
  "properties": {
    "type": { "const": "device_heartbeat" },
    "device_id": { "type": "string", "minLength": 1 },
    "timestamp": { "type": ["string", "number", "null"] },
    "metadata": { "type": "object" }
  },
  "additionalProperties": true
}`

const toolResultSchema = `{
  "type": "object",
  "required": ["type", "tool_call_id", "success"],
  "properties": {
    "type": { "const": "tool_result" },
    "device_id": { "type": "string" },
    "tool_call_id": { "type": "string", "minLength": 1 },
    "success": { "type": "boolean" },
    "result": {},
    "error": {
      "anyOf": [
        { "type": "string" },
        { "type": "null" },
        {
          "type": "object",
          "properties": {
            "code": { "type": "string" },
            "message": { "type": "string" }
          }
        }
      ]
    },
    "executed_at": { "type": ["string", "number", "null"] }
  },
  "additionalProperties": true
}`

const eventSchema = `{
  "type": "object",
  "required": ["type", "device_id", "event_type"],
  "properties": {
    "type": { "const": "event" },
    "device_id": { "type": "string", "minLength": 1 },
    "event_type": { "type": "string", "minLength": 1 },
    "severity": { "type": "string" },
    "data": { "type": "object" },
    "timestamp": { "type": ["string", "number", "null"] }
  },
  "additionalProperties": true
}`
