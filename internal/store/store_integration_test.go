//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tlcfem/motion-base-go/internal/observability"
	"github.com/tlcfem/motion-base-go/internal/record"
	"github.com/tlcfem/motion-base-go/internal/store"
)

func newTestStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()

	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	s := store.New(client.Database("motion_base_test"), observability.NewMetricsForTesting())
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func sampleRecord(fileHash string) record.Record {
	rec := record.Record{
		FileName:          "MYG0010103111446.NS",
		FileHash:          fileHash,
		Category:          record.CategoryKNet,
		ScaleFactor:       0.01,
		SamplingFrequency: 100,
		EventTime:         time.Date(2011, 3, 11, 14, 46, 0, 0, time.UTC),
		LastUpdateTime:    time.Date(2011, 3, 12, 0, 0, 0, 0, time.UTC),
		EventLocation:     [2]float64{142.86, 38.10},
		StationLocation:   [2]float64{141.16, 38.60},
		Direction:         "NS",
	}
	record.NIEDDefaults(&rec)
	rec.Finalize()
	return rec
}

func TestStore_SaveAndFindOne(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s := newTestStore(ctx, t)
	rec := sampleRecord("hash-1")

	saved, err := s.Save(ctx, rec, false)
	require.NoError(t, err)
	require.True(t, saved)

	got, err := s.FindOne(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.FileName, got.FileName)
}

func TestStore_Save_DuplicateHashNoOverwriteIsNoOp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s := newTestStore(ctx, t)
	first := sampleRecord("hash-dup")
	second := sampleRecord("hash-dup")
	second.FileName = "different-name.NS"
	second.Finalize()

	_, err := s.Save(ctx, first, false)
	require.NoError(t, err)

	saved, err := s.Save(ctx, second, false)
	require.NoError(t, err)
	require.False(t, saved)

	_, err = s.FindOne(ctx, second.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Save_DuplicateHashWithOverwriteReplaces(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s := newTestStore(ctx, t)
	first := sampleRecord("hash-over")
	second := sampleRecord("hash-over")
	second.FileName = "renamed.NS"
	second.Finalize()

	_, err := s.Save(ctx, first, false)
	require.NoError(t, err)

	saved, err := s.Save(ctx, second, true)
	require.NoError(t, err)
	require.True(t, saved)

	_, err = s.FindOne(ctx, first.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.FindOne(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed.NS", got.FileName)
}
