// Copyright 2026 fanjia1024
// Tests for model registry

package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-engine/internal/model/llm"
)

type fakeClient struct{ name string }

func (f *fakeClient) GenerateWithContext(ctx context.Context, prompt string, options llm.GenerateOptions) (*llm.Result, error) {
	return &llm.Result{Content: "ok"}, nil
}

func (f *fakeClient) ChatWithContext(ctx context.Context, messages []llm.Message, options llm.GenerateOptions) (*llm.Result, error) {
	return &llm.Result{Content: "ok"}, nil
}

func (f *fakeClient) Model() string    { return f.name }
func (f *fakeClient) Provider() string { return "fake" }

func TestRegistry_GetNotRegistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("non-existent-llm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("writer", &fakeClient{name: "m1"})

	c, err := r.Get("writer")
	require.NoError(t, err)
	assert.Equal(t, "m1", c.Model())

	// 同名覆盖
	r.Register("writer", &fakeClient{name: "m2"})
	c, err = r.Get("writer")
	require.NoError(t, err)
	assert.Equal(t, "m2", c.Model())

	assert.ElementsMatch(t, []string{"writer"}, r.Names())
}
