package migration

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	src, err := newSource()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)

	last, err := src.Next(next)
	require.NoError(t, err)
	assert.Equal(t, uint(3), last)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	for _, table := range []string{"receipts", "cart_for_receipts", "receipt_errors", "biz_events"} {
		assert.True(t, strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table+" ("), table)
	}

	lookups, _, err := src.ReadUp(last)
	require.NoError(t, err)
	defer lookups.Close()
	body, err = io.ReadAll(lookups)
	require.NoError(t, err)
	for _, column := range []string{"debtor_message_id", "payer_message_id", "organization_fiscal_code", "iuv"} {
		assert.Contains(t, string(body), "ADD COLUMN IF NOT EXISTS "+column+" ", column)
	}
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	assert.Error(t, RunMigrations(nil))
}
