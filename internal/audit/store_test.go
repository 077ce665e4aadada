package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"crmsync/internal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "audit.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordListClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, internal.AuditEvent{
		Type:       internal.AuditUserNotFound,
		EntityType: internal.KindCard,
		EntityID:   "4000",
		Message:    "client C404 not resolved",
		Context:    map[string]any{"value": "C404"},
	})
	s.Record(ctx, internal.AuditEvent{Type: internal.AuditSuccess, EntityType: internal.KindDeal, EntityID: "R1"})

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, internal.AuditUserNotFound, all[0].Type)
	assert.Equal(t, internal.KindCard, all[0].EntityType)
	assert.Equal(t, map[string]any{"value": "C404"}, all[0].Context)
	assert.False(t, all[0].CreatedAt.IsZero())
	assert.Nil(t, all[1].Context)

	only, err := s.List(ctx, Filter{Type: internal.AuditSuccess})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "R1", only[0].EntityID)

	counts, err := s.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[internal.AuditType]int{internal.AuditUserNotFound: 1, internal.AuditSuccess: 1}, counts)

	require.NoError(t, s.Clear(ctx))
	all, err = s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunsAndMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertRun(ctx, Run{
		RunID: "a", Kind: "full", Status: "ok",
		Counts:    map[string]int{"deals": 3},
		Duration:  1500 * time.Millisecond,
		StartedAt: started, FinishedAt: started.Add(1500 * time.Millisecond),
	}))
	require.NoError(t, s.InsertRun(ctx, Run{RunID: "b", Kind: "recent", Status: "failed", Error: "boom", StartedAt: started, FinishedAt: started}))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].RunID)
	assert.Equal(t, "boom", runs[0].Error)
	assert.Equal(t, map[string]int{"deals": 3}, runs[1].Counts)
	assert.Equal(t, 1500*time.Millisecond, runs[1].Duration)
	assert.True(t, started.Equal(runs[1].StartedAt))

	missing, err := s.GetMetadata(ctx, "sync.last_recent")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.SetMetadata(ctx, "sync.last_recent", "x"))
	require.NoError(t, s.SetMetadata(ctx, "sync.last_recent", "y"))
	value, err := s.GetMetadata(ctx, "sync.last_recent")
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, "y", *value)
}

func TestExportXLSX(t *testing.T) {
	entries := []Entry{
		{ID: 1, CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), AuditEvent: internal.AuditEvent{
			Type: internal.AuditPhotoError, EntityType: internal.KindProduct, EntityID: "Ring-45",
			Message: "status 404", Context: map[string]any{"url": "https://cdn.example.test/a.jpg"},
		}},
	}
	path := filepath.Join(t.TempDir(), "out", "audit.xlsx")
	require.NoError(t, ExportXLSX(entries, path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "type", rows[0][2])
	assert.Equal(t, "photo_error", rows[1][2])
	assert.Equal(t, "Ring-45", rows[1][4])
	assert.Contains(t, rows[1][6], "cdn.example.test")
}

func TestParseType(t *testing.T) {
	got, err := ParseType(" Photo_Error ")
	require.NoError(t, err)
	assert.Equal(t, internal.AuditPhotoError, got)

	_, err = ParseType("info")
	assert.Error(t, err)
}
