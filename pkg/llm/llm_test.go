package llm

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidAlias(t *testing.T) {
	assert.True(t, ValidAlias(ModelSonnet))
	assert.True(t, ValidAlias(ModelOpus))
	assert.True(t, ValidAlias(ModelHaiku))
	assert.False(t, ValidAlias(""))
	assert.False(t, ValidAlias("claude-sonnet-4-0"))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(errors.Wrap(ErrTimeout, "api error")))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.False(t, IsTimeout(errors.New("boom")))
	assert.False(t, IsTimeout(nil))
}

func TestGenerateSchema(t *testing.T) {
	type doc struct {
		Title string   `json:"title" jsonschema:"description=A short title"`
		Tags  []string `json:"tags,omitempty"`
	}
	schema := GenerateSchema[doc]()
	require.NotNil(t, schema)

	title, ok := schema.Properties.Get("title")
	require.True(t, ok)
	assert.Equal(t, "string", title.Type)
	assert.Equal(t, "A short title", title.Description)

	assert.Contains(t, schema.Required, "title")
	assert.NotContains(t, schema.Required, "tags")
}
