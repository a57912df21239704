package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarshalMetadata_NilBecomesEmptyObject(t *testing.T) {
	data, err := marshalMetadata(nil)
	assert.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestUnmarshalMetadata_RoundTrip(t *testing.T) {
	in := map[string]any{"tenant_id": "acme", "document_id": "doc-1"}
	data, err := marshalMetadata(in)
	assert.NoError(t, err)

	out := unmarshalMetadata(data)
	assert.Equal(t, in, out)
}

func TestUnmarshalMetadata_MalformedFallsBackToEmpty(t *testing.T) {
	out := unmarshalMetadata([]byte("{not json"))
	assert.Equal(t, map[string]any{}, out)
}
