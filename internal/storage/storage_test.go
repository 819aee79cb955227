package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupe-ai/loupe/internal/model"
	"github.com/loupe-ai/loupe/internal/storage"
	"github.com/loupe-ai/loupe/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("LOUPE_SKIP_DB_TESTS") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

func TestSourceCRUD(t *testing.T) {
	ctx := context.Background()

	created, err := testDB.CreateSource(ctx, model.Source{
		SourceID: "payments-service",
		Name:     "Payments Service",
		Kind:     model.SourceKindRepo,
		URI:      ptr("https://github.com/acme/payments-service"),
		Branch:   ptr("main"),
		Enabled:  true,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)

	// Duplicate slug is rejected.
	_, err = testDB.CreateSource(ctx, model.Source{
		SourceID: "payments-service",
		Name:     "Dup",
		Kind:     model.SourceKindRepo,
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := testDB.GetSource(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Payments Service", got.Name)
	assert.Equal(t, model.SourceKindRepo, got.Kind)

	bySlug, err := testDB.GetSourceBySourceID(ctx, "payments-service")
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySlug.ID)

	updated, err := testDB.UpdateSource(ctx, created.ID, model.UpdateSourceRequest{
		Name:    ptr("Payments"),
		Enabled: ptr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "Payments", updated.Name)
	assert.False(t, updated.Enabled)

	// enabledOnly filtering excludes the now-disabled source.
	enabled, _, err := testDB.ListSources(ctx, true, 100, 0)
	require.NoError(t, err)
	for _, src := range enabled {
		assert.NotEqual(t, created.ID, src.ID)
	}

	all, total, err := testDB.ListSources(ctx, false, 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	assert.NotEmpty(t, all)

	require.NoError(t, testDB.DeleteSource(ctx, created.ID))
	_, err = testDB.GetSource(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, testDB.DeleteSource(ctx, created.ID), storage.ErrNotFound)
}

func TestUserCRUD(t *testing.T) {
	ctx := context.Background()

	created, err := testDB.CreateUser(ctx, model.User{
		Email:      "admin@example.com",
		Name:       "Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: ptr("argon2-hash"),
	})
	require.NoError(t, err)

	_, err = testDB.CreateUser(ctx, model.User{Email: "admin@example.com", Name: "Dup", Role: model.RoleViewer})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	byEmail, err := testDB.GetUserByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)
	require.NotNil(t, byEmail.APIKeyHash)

	updated, err := testDB.UpdateUser(ctx, created.ID, model.UpdateUserRequest{
		Role: ptr(model.RoleOperator),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, updated.Role)

	require.NoError(t, testDB.RotateUserKey(ctx, created.ID, "new-hash"))
	rotated, err := testDB.GetUser(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, rotated.APIKeyHash)
	assert.Equal(t, "new-hash", *rotated.APIKeyHash)

	users, total, err := testDB.ListUsers(ctx, 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	assert.NotEmpty(t, users)

	require.NoError(t, testDB.DeleteUser(ctx, created.ID))
	_, err = testDB.GetUser(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuditBatchInsertAndList(t *testing.T) {
	ctx := context.Background()

	entries := []model.AuditEntry{
		{Actor: "admin@example.com", Action: model.AuditSourceCreated, ResourceType: "source", ResourceID: ptr("payments-service")},
		{Actor: "admin@example.com", Action: model.AuditSourceUpdated, ResourceType: "source", ResourceID: ptr("payments-service"), Detail: map[string]any{"enabled": false}},
		{Actor: "op@example.com", Action: model.AuditQueryIssued, ResourceType: "query", RequestID: "req-1"},
	}
	n, err := testDB.InsertAuditEntries(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Empty batch is a no-op.
	n, err = testDB.InsertAuditEntries(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, total, err := testDB.ListAuditEntries(ctx, "", 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 3)
	assert.NotEmpty(t, all)

	filtered, _, err := testDB.ListAuditEntries(ctx, "op@example.com", 100, 0)
	require.NoError(t, err)
	require.NotEmpty(t, filtered)
	for _, e := range filtered {
		assert.Equal(t, "op@example.com", e.Actor)
	}
}

func TestListenNotify(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelSources))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelSources, "payments-service"))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelSources, channel)
	assert.Equal(t, "payments-service", payload)
}
