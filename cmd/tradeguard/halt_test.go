package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradeguard/internal/ops"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
)

func TestHaltClientRoundTrip(t *testing.T) {
	ks, err := risk.NewKillSwitch("")
	require.NoError(t, err)
	srv := httptest.NewServer(ops.NewServer("", ks, nil).Handler())
	defer srv.Close()

	c := newHaltClient(strings.TrimPrefix(srv.URL, "http://"))
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Halted)

	st, err = c.Set(ctx, "sam", "earnings surprise")
	require.NoError(t, err)
	assert.True(t, st.Halted)
	assert.True(t, ks.Halted())

	_, err = c.Reset(ctx, "", "no operator")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operator")
	assert.True(t, ks.Halted())

	st, err = c.Reset(ctx, "sam", "cleared")
	require.NoError(t, err)
	assert.False(t, st.Halted)
}

func TestHaltClientUnreachable(t *testing.T) {
	c := newHaltClient("127.0.0.1:1")
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}
