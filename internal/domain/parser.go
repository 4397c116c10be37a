package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseRunMessage decodes and validates a raw experiment.run.requested
// payload. Schema version defaults to v2; any other version is rejected.
func ParseRunMessage(raw []byte) (RunMessage, error) {
	var m RunMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return RunMessage{}, fmt.Errorf("op=message.parse: %w: %v", ErrInvalidArgument, err)
	}
	if m.MessageType != MessageTypeRunRequested {
		return RunMessage{}, fmt.Errorf("op=message.parse: %w: %q", ErrUnsupportedMessageType, m.MessageType)
	}
	if m.SchemaVersion == "" {
		m.SchemaVersion = SchemaVersionV2
	}
	if m.SchemaVersion != SchemaVersionV2 {
		return RunMessage{}, fmt.Errorf("op=message.parse: %w: %q", ErrUnsupportedSchemaVersion, m.SchemaVersion)
	}
	if err := validate.Struct(m); err != nil {
		return RunMessage{}, fmt.Errorf("op=message.parse: %w: %v", ErrInvalidArgument, err)
	}
	m.Raw = append(json.RawMessage(nil), raw...)
	return m, nil
}

// GateSuffix derives the idempotency key suffix for the message: the
// message id when present, otherwise a SHA-256 of the raw payload.
func (m RunMessage) GateSuffix() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	sum := sha256.Sum256(m.Raw)
	return hex.EncodeToString(sum[:])
}

// ParseRuntimeSpec decodes the agent's runtime_spec_json. An empty spec
// string is invalid because there is no image to run.
func ParseRuntimeSpec(a AgentRef) (RuntimeSpec, error) {
	if a.RuntimeSpecJSON == "" {
		return RuntimeSpec{}, fmt.Errorf("op=runtime_spec.parse: %w: empty runtime_spec_json", ErrInvalidArgument)
	}
	var spec RuntimeSpec
	if err := json.Unmarshal([]byte(a.RuntimeSpecJSON), &spec); err != nil {
		return RuntimeSpec{}, fmt.Errorf("op=runtime_spec.parse: %w: %v", ErrInvalidArgument, err)
	}
	if spec.AgentImage == "" {
		return RuntimeSpec{}, fmt.Errorf("op=runtime_spec.parse: %w: agent_image required", ErrInvalidArgument)
	}
	return spec, nil
}
