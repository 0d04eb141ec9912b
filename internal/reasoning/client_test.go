package reasoning

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskweave/internal/types"
)

func TestOfflineInvoke(t *testing.T) {
	text, tokens, err := Offline{}.Invoke(context.Background(), "draft   the  quarterly plan", 0)
	require.NoError(t, err)
	assert.Equal(t, "Acknowledged: draft the quarterly plan", text)
	assert.Positive(t, tokens)

	_, tokens, err = Offline{}.Invoke(context.Background(), strings.Repeat("x", 4000), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, tokens)
}

func TestOfflineHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Offline{}.Invoke(ctx, "anything", 0)
	assert.ErrorIs(t, err, types.ErrExternalInvocation)
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), "", "")
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
