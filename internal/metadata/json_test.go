package metadata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

func TestMarshalMetadata_NilBecomesEmptyObject(t *testing.T) {
	data, err := marshalMetadata(nil)
	assert.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestUnmarshalMetadata_RoundTrip(t *testing.T) {
	in := map[string]any{"page": float64(3), "source": "report.pdf"}
	data, err := marshalMetadata(in)
	assert.NoError(t, err)

	out := unmarshalMetadata(data)
	assert.Equal(t, in, out)
}

func TestUnmarshalMetadata_MalformedFallsBackToEmpty(t *testing.T) {
	out := unmarshalMetadata([]byte("not json"))
	assert.Equal(t, map[string]any{}, out)
}

func TestClassifyWriteErr_ConstraintViolationIsPermanent(t *testing.T) {
	err := classifyWriteErr(errors.New("ERROR: duplicate key value (SQLSTATE 23505)"), "upsert chunk")
	ae, ok := apperr.As(err)
	assert.True(t, ok)
	assert.Equal(t, apperr.KindPermanent, ae.Kind)
}

func TestClassifyWriteErr_OtherIsTransient(t *testing.T) {
	err := classifyWriteErr(errors.New("connection reset by peer"), "upsert chunk")
	assert.True(t, apperr.IsTransient(err))
}

func TestClassifyWriteErr_NilStaysNil(t *testing.T) {
	assert.NoError(t, classifyWriteErr(nil, "noop"))
}
