package authz_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loupe-ai/loupe/internal/auth"
	"github.com/loupe-ai/loupe/internal/authz"
	"github.com/loupe-ai/loupe/internal/model"
	"github.com/loupe-ai/loupe/internal/storage"
	"github.com/loupe-ai/loupe/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("LOUPE_SKIP_DB_TESTS") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()

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

func createUser(t *testing.T, email string, role model.UserRole) model.User {
	t.Helper()
	now := time.Now().UTC()
	user, err := testDB.CreateUser(context.Background(), model.User{
		ID:        uuid.New(),
		Email:     email,
		Name:      "Test User",
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	return user
}

func claimsFor(user model.User) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: user.ID.String()},
		Email:            user.Email,
		Role:             user.Role,
	}
}

func TestCurrentRole_ResolvesFromDatabase(t *testing.T) {
	ctx := context.Background()
	cache := authz.NewRoleCache(time.Minute)
	defer cache.Close()

	user := createUser(t, "resolve@example.com", model.RoleOperator)

	role, err := authz.CurrentRole(ctx, testDB, cache, claimsFor(user))
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, role)

	// Second resolution hits the cache.
	role, err = authz.CurrentRole(ctx, testDB, cache, claimsFor(user))
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, role)
}

func TestCurrentRole_StoredRoleWinsOverTokenRole(t *testing.T) {
	ctx := context.Background()
	cache := authz.NewRoleCache(time.Minute)
	defer cache.Close()

	user := createUser(t, "demoted@example.com", model.RoleAdmin)

	_, err := testDB.UpdateUser(ctx, user.ID, model.UpdateUserRequest{
		Role: rolePtr(model.RoleViewer),
	})
	require.NoError(t, err)

	// Claims still say admin; the DB says viewer.
	role, err := authz.CurrentRole(ctx, testDB, cache, claimsFor(user))
	require.NoError(t, err)
	assert.Equal(t, model.RoleViewer, role)
}

func TestCurrentRole_DeletedUser(t *testing.T) {
	ctx := context.Background()
	cache := authz.NewRoleCache(time.Minute)
	defer cache.Close()

	user := createUser(t, "deleted@example.com", model.RoleViewer)
	require.NoError(t, testDB.DeleteUser(ctx, user.ID))

	_, err := authz.CurrentRole(ctx, testDB, cache, claimsFor(user))
	assert.ErrorIs(t, err, authz.ErrUnknownUser)
}

func TestCurrentRole_MalformedSubject(t *testing.T) {
	ctx := context.Background()
	cache := authz.NewRoleCache(time.Minute)
	defer cache.Close()

	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid"},
		Email:            "bad@example.com",
		Role:             model.RoleAdmin,
	}

	_, err := authz.CurrentRole(ctx, testDB, cache, claims)
	assert.ErrorIs(t, err, authz.ErrUnknownUser)
}

func TestPermissionChecks(t *testing.T) {
	assert.True(t, authz.CanQuery(model.RoleViewer))
	assert.True(t, authz.CanQuery(model.RoleOperator))
	assert.True(t, authz.CanQuery(model.RoleAdmin))
	assert.False(t, authz.CanQuery(model.UserRole("stranger")))

	assert.False(t, authz.CanManageSources(model.RoleViewer))
	assert.True(t, authz.CanManageSources(model.RoleOperator))
	assert.True(t, authz.CanManageSources(model.RoleAdmin))

	assert.False(t, authz.CanManageUsers(model.RoleOperator))
	assert.True(t, authz.CanManageUsers(model.RoleAdmin))

	assert.False(t, authz.CanReadAudit(model.RoleViewer))
	assert.True(t, authz.CanReadAudit(model.RoleAdmin))
}

func rolePtr(r model.UserRole) *model.UserRole { return &r }
