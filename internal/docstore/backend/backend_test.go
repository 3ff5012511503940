package backend

import (
	"context"
	"path/filepath"
	"testing"

	"roomcall/native/internal/config"
	"roomcall/native/internal/docstore/memstore"
	"roomcall/native/internal/docstore/sqlstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	s, err := Open(ctx, config.StoreConfig{Backend: config.StoreMemory}, log)
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, config.StoreConfig{
		Backend:    config.StoreSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "rooms.db"),
	}, log)
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Store{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Backend: "etcd"}, log)
	assert.ErrorContains(t, err, "etcd")
}
