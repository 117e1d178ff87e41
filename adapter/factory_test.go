package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/c360studio/crossdb/plan"
	"github.com/c360studio/crossdb/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopAdapter struct{ source string }

func (n *nopAdapter) TestConnection(context.Context) error { return nil }
func (n *nopAdapter) Execute(context.Context, *plan.Operation) ([]Row, error) {
	return nil, nil
}
func (n *nopAdapter) IntrospectSchema(context.Context) ([]map[string]any, error) {
	return nil, nil
}

func testRegistry() registry.Registry {
	return registry.NewStatic([]registry.DataSource{
		{ID: "postgres_main", Kind: "postgres"},
		{ID: "mongodb_main", Kind: "mongodb"},
	}, nil)
}

func TestFactoryBuildsOncePerSource(t *testing.T) {
	var builds int
	var mu sync.Mutex

	f := NewFactory(testRegistry())
	f.Register("postgres", func(source registry.DataSource) (Adapter, error) {
		mu.Lock()
		builds++
		mu.Unlock()
		return &nopAdapter{source: source.ID}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.Get("postgres_main")
			assert.NoError(t, err)
			assert.NotNil(t, a)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, builds, "adapter must be cached for connection reuse")

	f.Evict("postgres_main")
	_, err := f.Get("postgres_main")
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestFactoryUnknownSourceAndKind(t *testing.T) {
	f := NewFactory(testRegistry())
	f.Register("postgres", func(source registry.DataSource) (Adapter, error) {
		return &nopAdapter{}, nil
	})

	_, err := f.Get("ghost_main")
	require.ErrorIs(t, err, registry.ErrUnknownSource)

	_, err = f.Get("mongodb_main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapter registered")

	assert.True(t, f.Supports("postgres"))
	assert.False(t, f.Supports("mongodb"))
}

func TestFactoryBuilderFailureNotCached(t *testing.T) {
	fail := errors.New("boom")
	attempts := 0
	f := NewFactory(testRegistry())
	f.Register("postgres", func(source registry.DataSource) (Adapter, error) {
		attempts++
		if attempts == 1 {
			return nil, fail
		}
		return &nopAdapter{}, nil
	})

	_, err := f.Get("postgres_main")
	require.ErrorIs(t, err, fail)

	_, err = f.Get("postgres_main")
	require.NoError(t, err, "failed builds must not poison the cache")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"connection", NewConnectionError(errors.New("refused")), KindConnection, true},
		{"syntax", NewSyntaxError(errors.New("bad token")), KindSyntax, false},
		{"permission", NewPermissionError(errors.New("denied")), KindPermission, false},
		{"timeout", NewTimeoutError(errors.New("deadline")), KindTimeout, true},
		{"backend retryable", NewBackendError(errors.New("503"), true), KindBackend, true},
		{"backend permanent", NewBackendError(errors.New("schema gone"), false), KindBackend, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}

	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(errors.New("plain")))
	assert.Empty(t, KindOf(errors.New("plain")))
}
