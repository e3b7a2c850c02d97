package kafka

import (
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityWrite(t *testing.T) {
	setID := uuid.New()
	keyID := uuid.New()

	tests := []struct {
		name    string
		value   string
		headers map[string]string
		wantErr bool
	}{
		{
			name:  "set in body",
			value: `{"entity_set_id":"` + setID.String() + `","entities":{"` + keyID.String() + `":{"name":["Jane"]}}}`,
		},
		{
			name:    "set in header",
			value:   `{"entities":{"` + keyID.String() + `":{"name":["Jane"]}}}`,
			headers: map[string]string{HeaderEntitySetID: setID.String()},
		},
		{
			name:    "bad header",
			value:   `{"entities":{}}`,
			headers: map[string]string{HeaderEntitySetID: "nope"},
			wantErr: true,
		},
		{
			name:    "no set",
			value:   `{"entities":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			value:   `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &IncomingMessage{Value: []byte(tt.value), Headers: tt.headers}
			err := msg.ParseEntityWrite()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, msg.EntityWrite)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, setID, msg.EntityWrite.EntitySetID)
			assert.Equal(t, []any{"Jane"}, msg.EntityWrite.Entities[keyID]["name"])
		})
	}
}

func TestParseEntityWriteAt(t *testing.T) {
	setID := uuid.New()
	keyID := uuid.New()
	path := jmespath.MustCompile("payload.after")

	t.Run("selects nested write", func(t *testing.T) {
		msg := &IncomingMessage{Value: []byte(`{"op":"u","payload":{"after":{"entity_set_id":"` +
			setID.String() + `","entities":{"` + keyID.String() + `":{"name":["Jane"]}}}}}`)}
		require.NoError(t, msg.ParseEntityWriteAt(path))
		assert.Equal(t, setID, msg.EntityWrite.EntitySetID)
		assert.Len(t, msg.EntityWrite.Entities, 1)
	})

	t.Run("missing selection", func(t *testing.T) {
		msg := &IncomingMessage{Value: []byte(`{"op":"d","payload":{"before":{}}}`)}
		assert.Error(t, msg.ParseEntityWriteAt(path))
	})
}

func TestNewConsumer_InvalidPath(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	_, err := NewConsumer(ConsumerConfig{Topic: "entity-writes", EntityWritePath: "payload.["}, logger, nil)
	assert.Error(t, err)
}
