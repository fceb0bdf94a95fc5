package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voicepipe/voicepipe/schema"
)

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "deadletter", DeadLetter.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}

func TestSchemaViolationError(t *testing.T) {
	err := &SchemaViolationError{
		MessageType: "EarOutput",
		Errors: []schema.ValidationError{
			{Field: "$.text", Message: "required property missing", Code: "required"},
		},
	}
	assert.Contains(t, err.Error(), "EarOutput")
	assert.Contains(t, err.Error(), "1 violation")
}
