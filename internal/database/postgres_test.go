package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/holly/internal/store"
	"github.com/jordanhubbard/holly/pkg/models"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"WHERE id = ?", "WHERE id = $1"},
		{"WHERE id = ? AND version = ?", "WHERE id = $1 AND version = $2"},
	}
	for _, tt := range tests {
		if got := rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncode_EmptyCollections(t *testing.T) {
	enc, err := encode(&models.Improvement{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "[]", enc.files)
	assert.Equal(t, "[]", enc.modules)
	assert.False(t, enc.triggerData.Valid)
	assert.False(t, enc.codeChanges.Valid)

	enc, err = encode(&models.Improvement{ID: "a", CodeChanges: map[string]string{"a.go": "package a"}})
	require.NoError(t, err)
	assert.True(t, enc.codeChanges.Valid)
	assert.JSONEq(t, `{"a.go":"package a"}`, enc.codeChanges.String)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(nil))
}

var (
	sharedDB     *Database
	sharedDBOnce sync.Once
	sharedDBErr  error
)

func pgDSN() string {
	get := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=5",
		get("POSTGRES_HOST", "localhost"), get("POSTGRES_PORT", "5432"),
		get("POSTGRES_USER", "holly"), get("POSTGRES_PASSWORD", "holly"), get("POSTGRES_DB", "holly_test"))
}

// newTestDB returns a shared database with both tables truncated. It skips
// the test when PostgreSQL is not reachable.
func newTestDB(t *testing.T) *Database {
	t.Helper()
	sharedDBOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sharedDB, sharedDBErr = NewPostgres(ctx, pgDSN())
	})
	if sharedDBErr != nil {
		t.Skipf("Skipping: postgres not available: %v", sharedDBErr)
	}
	_, err := sharedDB.db.Exec(`TRUNCATE improvement_events, improvements CASCADE`)
	require.NoError(t, err)
	return sharedDB
}

func TestMain(m *testing.M) {
	code := m.Run()
	if sharedDB != nil {
		sharedDB.Close()
	}
	os.Exit(code)
}

func sample(id string) *models.Improvement {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Improvement{
		ID:               id,
		UserID:           "u1",
		TriggerType:      models.TriggerBugReport,
		TriggerData:      map[string]any{"issue": "42"},
		ProblemStatement: "p",
		SolutionApproach: "s",
		RiskLevel:        models.RiskLow,
		FilesChanged:     []string{"src/a.ts"},
		AffectedModules:  []string{"src"},
		BranchName:       "holly/improvement-" + id,
		Status:           models.StatusPlanned,
		Outcome:          models.OutcomeUnknown,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestPostgres_RoundTrip(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	imp := sample("a")
	require.NoError(t, d.Create(ctx, imp))
	assert.ErrorIs(t, d.Create(ctx, sample("a")), models.ErrConflict)

	sameBranch := sample("b")
	sameBranch.BranchName = imp.BranchName
	assert.ErrorIs(t, d.Create(ctx, sameBranch), models.ErrConflict)

	got, err := d.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []string{"src/a.ts"}, got.FilesChanged)
	assert.Equal(t, "42", got.TriggerData["issue"])
	assert.Nil(t, got.DeployedAt)

	got.Status = models.StatusAnalyzing
	got.CodeChanges = map[string]string{"src/a.ts": "x"}
	got.RollbackStatus = models.RollbackOpened
	got.RollbackPRNumber = 9
	require.NoError(t, d.Update(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	reloaded, err := d.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.RollbackOpened, reloaded.RollbackStatus)
	assert.Equal(t, 9, reloaded.RollbackPRNumber)

	stale := imp
	stale.Status = models.StatusRejected
	assert.ErrorIs(t, d.Update(ctx, stale), models.ErrConflict)
	assert.ErrorIs(t, d.Update(ctx, sample("missing")), models.ErrNotFound)

	byBranch, err := d.GetByBranch(ctx, "holly/improvement-a")
	require.NoError(t, err)
	assert.Equal(t, "x", byBranch.CodeChanges["src/a.ts"])

	list, err := d.List(ctx, store.Filter{Status: models.StatusAnalyzing})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	similar, err := d.SimilarOutcomes(ctx, models.TriggerBugReport, 10)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, models.StatusAnalyzing, similar[0].Status)
}

func TestPostgres_Events(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, sample("e")))

	now := time.Now().UTC()
	require.NoError(t, d.AppendEvent(ctx, models.AuditEvent{ID: "1", ImprovementID: "e", ToStatus: models.StatusPlanned, CreatedAt: now}))
	require.NoError(t, d.AppendEvent(ctx, models.AuditEvent{ID: "2", ImprovementID: "e", FromStatus: models.StatusPlanned, ToStatus: models.StatusAnalyzing, Actor: "system", CreatedAt: now.Add(time.Second)}))

	evs, err := d.ListEvents(ctx, "e")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, models.StatusAnalyzing, evs[1].ToStatus)
	assert.Equal(t, "system", evs[1].Actor)
}
