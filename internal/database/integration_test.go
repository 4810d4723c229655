package database_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jonesrussell/north-cloud/staffdir/internal/config"
	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

func startPostgres(t *testing.T) config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "staffdir",
				"POSTGRES_PASSWORD": "staffdir",
				"POSTGRES_DB":       "staffdir",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Skipping test: could not start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return config.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		User:            "staffdir",
		Password:        "staffdir",
		DBName:          "staffdir",
		SSLMode:         "disable",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}
}

func TestIntegration_SnapshotLifecycle(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, database.Migrate(cfg.URL(), database.MigrateUp))
	require.NoError(t, database.Migrate(cfg.URL(), database.MigrateUp), "re-running migrations is a no-op")

	db, err := database.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := database.NewStore(db)

	target := &domain.Target{Name: "Example", DirectoryURL: "https://example.edu/staff", Active: true}
	inserted, err := store.UpsertTarget(ctx, target)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.UpsertTarget(ctx, &domain.Target{Name: "Example U", DirectoryURL: target.DirectoryURL, Active: true})
	require.NoError(t, err)
	assert.False(t, inserted, "same directory URL updates in place")

	var ids []string
	for i := range 3 {
		snap := &domain.Snapshot{
			ID:           uuid.NewString(),
			TargetID:     target.ID,
			ContentHash:  fmt.Sprintf("hash-%d", i),
			Categories:   domain.CategoryList{{Name: "Staff", Members: []domain.Member{{Fingerprint: "fp", Name: "Pat"}}}},
			TotalMembers: 1,
			FetchPath:    domain.FetchPathPrimary,
			Extractor:    "staff-cards",
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Second),
		}
		err = store.Transact(ctx, func(ctx context.Context) error {
			if err := store.CreateSnapshot(ctx, snap); err != nil {
				return err
			}
			return store.RecordScrape(ctx, target.ID, database.ScrapeUpdate{
				SnapshotID: snap.ID, Extractor: snap.Extractor, RecordCount: 1, ScrapedAt: snap.CreatedAt,
			})
		})
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	from := ids[0]
	require.NoError(t, store.CreateChange(ctx, &domain.ChangeRecord{
		ID: uuid.NewString(), TargetID: target.ID, FromSnapshotID: &from, ToSnapshotID: ids[1], CreatedAt: time.Now(),
	}))

	got, err := store.SnapshotIDs(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, got)

	latest, err := store.LatestSnapshot(ctx, target.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, ids[2], latest.ID)

	n, err := store.DeleteChangesReferencing(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, store.DeleteSnapshot(ctx, ids[0]))

	for _, cat := range [][]string{{"Coaches"}, {"Administration"}} {
		require.NoError(t, store.UpsertProfile(ctx, &domain.Profile{
			Fingerprint: "fp", Name: "Pat", Categories: cat, LastSeenAt: time.Now(),
			LatestSnapshotID: latest.ID, LatestTargetID: target.ID,
		}))
	}
	profile, err := store.GetProfile(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, []string{"Administration", "Coaches"}, []string(profile.Categories))

	f := &domain.FailureRecord{TargetURL: target.DirectoryURL, TargetID: &target.ID, Kind: domain.FailureNoData, LastAttemptAt: time.Now()}
	require.NoError(t, store.UpsertFailure(ctx, f))
	require.NoError(t, store.UpsertFailure(ctx, f))
	assert.Equal(t, 2, f.Attempts)

	require.NoError(t, store.MarkProcessed(ctx, target.ID, time.Now(), false))
	reloaded, err := store.GetTarget(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.ProcessCount)
	assert.Equal(t, "Example U", reloaded.Name)
}
