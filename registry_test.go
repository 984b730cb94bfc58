package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper function to create echo function with given name and state
func newNamedFunction(name, state string) *Function[string, SentimentResult] {
	f := newEchoFunction(state, echoModel{})
	f.name = name
	f.artifact.Name = name
	return f
}

// TestRegistry
func TestRegistry(t *testing.T) {
	r, err := NewRegistry(
		newNamedFunction("zeta", Ready),
		newNamedFunction("alpha", Unavailable),
		newNamedFunction("mid", Ready),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
	assert.Equal(t, []string{"alpha"}, r.Unavailable())

	h, ok := r.Get("mid")
	require.True(t, ok)
	assert.Equal(t, "mid", h.Name())
	_, ok = r.Get("missing")
	assert.False(t, ok)

	// handlers and records keep configuration order
	var names []string
	for _, h := range r.Handlers() {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	records := r.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "alpha", records[1].Function)
	assert.Equal(t, Unavailable, records[1].State)
	assert.NotEmpty(t, records[1].Reason)

	_, err = NewRegistry(newNamedFunction("a", Ready), newNamedFunction("a", Ready))
	assert.ErrorContains(t, err, "duplicate function name a")
}

// TestLoadRegistry
func TestLoadRegistry(t *testing.T) {
	initTestConfig(t)
	dir := t.TempDir()
	writeFile(t, dir, "model.json", `{"coef": [1, 2], "intercept": 0}`)
	rec := &recorder{}
	functions := []FunctionConfig{
		{Name: "logreg", Kind: TabularKind, ModelDir: dir},
		{Name: "distilbert", Kind: SentimentKind, ModelDir: t.TempDir()},
	}
	r, err := loadRegistry(functions, &Metrics{client: rec, rate: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"distilbert", "logreg"}, r.Names())
	assert.Equal(t, []string{"distilbert"}, r.Unavailable())

	// artifact state of every function is reported
	require.Len(t, rec.metrics, 2)
	assert.Equal(t, 1.0, rec.metrics[0].value)
	assert.Equal(t, 0.0, rec.metrics[1].value)

	_, err = loadRegistry([]FunctionConfig{{Name: "x", Kind: "regression"}}, nil)
	assert.ErrorContains(t, err, "unsupported kind")

	_, err = loadRegistry(append(functions, functions[0]), nil)
	assert.ErrorContains(t, err, "duplicate")
}
