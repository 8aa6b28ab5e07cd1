package repositories

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/infrastructure/distributed"
	"meetrelay/internal/infrastructure/groups"
	"meetrelay/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Startup.ConnectAttempts = 1
	cfg.Startup.ConnectBackoff = time.Millisecond
	cfg.Startup.ConnectMaxBackoff = time.Millisecond
	return cfg
}

func TestNewRepositoryFactory_MemoryAndLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - {id: 1, username: host}
meetings:
  - {id: 8f7c2a7e-0b57-4b6e-9a43-5a3b8f1f8d21, host_id: 1}
`), 0o600))

	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageBackendMemory
	cfg.Storage.FixturesPath = path
	cfg.Groups.Backend = config.GroupsBackendLocal

	f, err := NewRepositoryFactory(context.Background(), cfg, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	ok, err := f.MeetingRepository().CheckAccess(context.Background(),
		"8f7c2a7e-0b57-4b6e-9a43-5a3b8f1f8d21", domain.Identity{ID: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.IsType(t, &groups.LocalRegistry{}, f.GroupRegistry())
	assert.Empty(t, f.Dependencies())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestNewRepositoryFactory_BadFixtures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.FixturesPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := NewRepositoryFactory(context.Background(), cfg, nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestNewRepositoryFactory_RedisGroups(t *testing.T) {
	server := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Groups.Backend = config.GroupsBackendRedis
	cfg.Groups.InstanceID = "relay-test"
	cfg.Redis.Address = server.Addr()

	f, err := NewRepositoryFactory(context.Background(), cfg, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.IsType(t, &distributed.Registry{}, f.GroupRegistry())
	require.Len(t, f.Dependencies(), 1)
	assert.Equal(t, "redis", f.Dependencies()[0].Name)
	assert.NoError(t, f.HealthCheck(context.Background()))

	assert.NoError(t, f.Close())
}

func TestNewRepositoryFactory_RedisUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	cfg := testConfig(t)
	cfg.Groups.Backend = config.GroupsBackendRedis
	cfg.Redis.Address = addr

	_, err := NewRepositoryFactory(context.Background(), cfg, nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}
