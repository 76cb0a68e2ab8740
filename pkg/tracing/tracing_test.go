package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceAttributes(t *testing.T) {
	attrs := ParseResourceAttributes(" service.namespace=imagemeta, broken ,team = media,=")
	assert.Equal(t, map[string]string{
		"service.namespace": "imagemeta",
		"team":              "media",
	}, attrs)

	assert.Empty(t, ParseResourceAttributes(""))
}

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "imagemeta"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
