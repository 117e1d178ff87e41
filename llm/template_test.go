package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateSet(t *testing.T) {
	set := NewTemplateSet()
	require.NoError(t, set.Register("greet", "Hello {{.Name}}"))

	out, err := set.Render("greet", map[string]string{"Name": "world"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", out)

	// Deterministic across calls.
	again, err := set.Render("greet", map[string]string{"Name": "world"})
	require.NoError(t, err)
	assert.Equal(t, out, again)

	_, err = set.Render("missing", nil)
	require.Error(t, err)

	require.Error(t, set.Register("", "x"))
	require.Error(t, set.Register("bad", "{{.Broken"))

	assert.Contains(t, set.Names(), "greet")
}
