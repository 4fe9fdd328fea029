package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"vizora-realtime/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCommand_Device(t *testing.T) {
	t.Setenv("DEVICE_JWT_SECRET", "device-secret")
	t.Setenv("JWT_SECRET", "user-secret")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--device", "dev-1", "--org", "org-1"})
	require.NoError(t, rootCmd.Execute())

	id, err := auth.NewVerifier("device-secret", "user-secret", nil).Verify(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.True(t, id.IsDevice())
	assert.Equal(t, "dev-1", id.Subject)
	assert.Equal(t, "org-1", id.OrganizationID)
}
