package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vesaa/talonwatch/internal/store"
)

func TestAddMachine(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	m, key, err := addMachine(ctx, st, "edge", 15, "2026-01-31")
	require.NoError(t, err)
	assert.Len(t, key, 48)

	got, err := st.Machine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "edge", got.Name)
	assert.Equal(t, 15, got.BillingAnchorDay)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)))
	assert.NotContains(t, got.AgentKeyHash, key)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(got.AgentKeyHash), []byte(key)))

	_, _, err = addMachine(ctx, st, "bad", 32, "")
	assert.Error(t, err)
	_, _, err = addMachine(ctx, st, "bad", 1, "31/01/2026")
	assert.Error(t, err)
}
