package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobby/internal/account"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
	"github.com/cory-johannsen/lobby/internal/testutil"
)

func setupRepo(t *testing.T) *postgres.AccountRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests are skipped in -short mode")
	}
	return postgres.NewAccountRepository(testutil.NewMigratedPool(t))
}

func uniqueKey(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano()%1_000_000_000)
}

func TestAccountRepository_InsertLookup(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	key := uniqueKey("u")

	rec := account.Record{Username: "U" + key[1:], Salt: "ab", Hash: "cd", Avatar: "caocao", CreatedAt: 1700000000000}
	require.NoError(t, repo.Insert(ctx, key, rec))

	got, err := repo.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	assert.ErrorIs(t, repo.Insert(ctx, key, rec), account.ErrExists)
}

func TestAccountRepository_LookupMissing(t *testing.T) {
	repo := setupRepo(t)
	_, err := repo.Lookup(context.Background(), "nobody")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func TestAccountRepository_SetAvatar(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	key := uniqueKey("a")

	assert.ErrorIs(t, repo.SetAvatar(ctx, key, "x"), account.ErrNotFound)
	require.NoError(t, repo.Insert(ctx, key, account.Record{Username: key, CreatedAt: 1}))
	require.NoError(t, repo.SetAvatar(ctx, key, "sunquan"))

	got, err := repo.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "sunquan", got.Avatar)
}

func TestAccountRepository_ServiceRoundTrip(t *testing.T) {
	repo := setupRepo(t)
	svc := account.NewService(repo, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := svc.Register(ctx, "PgUser", "secret123", "")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "pguser", "secret123", "")
	assert.ErrorIs(t, err, account.ErrExists)

	id, err := svc.Login(ctx, "PGUSER", "secret123", "")
	require.NoError(t, err)
	assert.Equal(t, "PgUser", id.Username)
}

// Property: every inserted record reads back unchanged.
func TestPropertyAccountRepository_RoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	seen := make(map[string]bool)

	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z0-9_]{3,16}`).Draw(rt, "username")
		key := account.Key(name)
		if seen[key] {
			rt.Skip("already inserted")
		}
		seen[key] = true

		rec := account.Record{
			Username:  name,
			Salt:      rapid.StringMatching(`[0-9a-f]{32}`).Draw(rt, "salt"),
			Hash:      rapid.StringMatching(`[0-9a-f]{128}`).Draw(rt, "hash"),
			Avatar:    rapid.StringMatching(`[a-z]{0,20}`).Draw(rt, "avatar"),
			CreatedAt: rapid.Int64Range(0, 1<<50).Draw(rt, "created"),
		}
		if err := repo.Insert(ctx, key, rec); err != nil {
			rt.Fatalf("insert: %v", err)
		}
		got, err := repo.Lookup(ctx, key)
		if err != nil {
			rt.Fatalf("lookup: %v", err)
		}
		if got != rec {
			rt.Fatalf("got %+v, want %+v", got, rec)
		}
	})
}

func TestPool_Health(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container tests are skipped in -short mode")
	}
	pool := testutil.NewMigratedPool(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, pool.Health(ctx))

	expired, stop := context.WithCancel(context.Background())
	stop()
	assert.Error(t, pool.Health(expired))
}
