package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Format(t *testing.T) {
	err := InputError("missing document_id", nil)
	assert.Equal(t, "[input] missing document_id", err.Error())

	wrapped := ExternalError("vision call", errors.New("timeout"))
	assert.Equal(t, "[external] vision call: timeout", wrapped.Error())
}

func TestIsType_UnwrapsChain(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("process: %w", ExtractionError("extractor", base))

	assert.True(t, IsType(err, ErrorTypeExtraction))
	assert.False(t, IsType(err, ErrorTypeInput))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsType(base, ErrorTypeExtraction))
}
