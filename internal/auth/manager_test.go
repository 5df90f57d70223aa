package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearth/internal/auth/domain"
	"github.com/hearthd/hearth/internal/auth/mfa"
	"github.com/hearthd/hearth/internal/auth/providers"
	"github.com/hearthd/hearth/internal/auth/store"
	"github.com/hearthd/hearth/internal/flow"
	"github.com/hearthd/hearth/internal/storage"
)

type testEnv struct {
	manager  *Manager
	store    *store.AuthStore
	password *providers.PasswordProvider
	now      time.Time
}

// newTestEnv assembles a manager backed by temp-dir storage, the password
// provider, static-pin MFA modules with the given ids and a settable clock.
func newTestEnv(t *testing.T, moduleIDs ...string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)
	newStorage := func(key string, version int) *storage.Store {
		return storage.NewStore(dir, key, version, logger)
	}

	env := &testEnv{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	authStore := store.New(newStorage(store.StorageKey, store.StorageVersion), logger,
		store.WithClock(func() time.Time { return env.now }))
	env.store = authStore

	deps := providers.Deps{
		Logger:      logger,
		NewStorage:  newStorage,
		Users:       authStore.Users,
		Credentials: authStore.CredentialsByProvider,
	}

	p, err := providers.New(providers.Config{Type: providers.TypePassword}, deps)
	require.NoError(t, err)
	env.password = p.(*providers.PasswordProvider)

	mfaDeps := mfa.Deps{Logger: logger, NewStorage: newStorage}
	var modules []mfa.Module
	for _, id := range moduleIDs {
		module, err := mfa.New(mfa.Config{Type: mfa.TypeStaticPin, ID: id}, mfaDeps)
		require.NoError(t, err)
		modules = append(modules, module)
	}

	env.manager = NewManager(logger, authStore, []providers.AuthProvider{p}, modules,
		WithClock(func() time.Time { return env.now }),
		WithFlowOptions(flow.WithTimeout(time.Hour)))
	return env
}

// loginPassword drives a password login flow to completion and returns the
// resolved credentials.
func (env *testEnv) loginPassword(t *testing.T, username, password string) *domain.Credentials {
	t.Helper()
	ctx := context.Background()

	res, err := env.manager.LoginFlow(ctx, "password", "", nil)
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeForm, res.Type)

	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID,
		map[string]string{"username": username, "password": password})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeCreateEntry, res.Type)
	return res.Result.(*domain.Credentials)
}

func TestLoginFlowToAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	// Wrong password redisplays the form instead of failing the flow.
	res, err := env.manager.LoginFlow(ctx, "password", "", nil)
	require.NoError(t, err)
	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID,
		map[string]string{"username": "test-user", "password": "wrong"})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeForm, res.Type)
	require.Equal(t, map[string]string{"base": "invalid_auth"}, res.Errors)

	cred := env.loginPassword(t, "test-user", "test-pass")
	require.True(t, cred.IsNew)

	user, err := env.manager.GetOrCreateUser(ctx, cred)
	require.NoError(t, err)
	require.Equal(t, "test-user", user.Name)
	require.True(t, user.IsOwner, "the first real user becomes the owner")
	require.True(t, user.IsAdmin())

	refreshToken, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{
		User: user, ClientID: "http://example.com/app", Credential: cred,
	})
	require.NoError(t, err)
	require.Equal(t, domain.TokenTypeNormal, refreshToken.TokenType)
	require.Equal(t, domain.AccessTokenExpiration, refreshToken.AccessTokenExpiration)

	accessToken, err := env.manager.CreateAccessToken(ctx, refreshToken, "192.0.2.1")
	require.NoError(t, err)

	validated, err := env.manager.ValidateAccessToken(ctx, accessToken)
	require.NoError(t, err)
	require.Equal(t, refreshToken.ID, validated.ID)
	require.Equal(t, "192.0.2.1", refreshToken.LastUsedIP)
}

func TestLoginFlowSecondLoginSameCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	first := env.loginPassword(t, "test-user", "test-pass")
	user, err := env.manager.GetOrCreateUser(ctx, first)
	require.NoError(t, err)

	second := env.loginPassword(t, "test-user", "test-pass")
	require.False(t, second.IsNew)
	require.Equal(t, first.ID, second.ID, "one external identity, one credential")

	again, err := env.manager.GetOrCreateUser(ctx, second)
	require.NoError(t, err)
	require.Equal(t, user.ID, again.ID)
}

func TestLoginFlowWithMFA(t *testing.T) {
	env := newTestEnv(t, "static_pin")
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	cred := env.loginPassword(t, "test-user", "test-pass")
	user, err := env.manager.GetOrCreateUser(ctx, cred)
	require.NoError(t, err)
	_, err = env.manager.EnableUserMFA(ctx, user, "static_pin", map[string]string{"pin": "test-pin"})
	require.NoError(t, err)

	res, err := env.manager.LoginFlow(ctx, "password", "", nil)
	require.NoError(t, err)
	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID,
		map[string]string{"username": "test-user", "password": "test-pass"})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeForm, res.Type)
	require.Equal(t, "mfa", res.StepID)

	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID, map[string]string{"pin": "wrong-pin"})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeForm, res.Type)
	require.Equal(t, "mfa", res.StepID)
	require.Equal(t, map[string]string{"base": "invalid_code"}, res.Errors)

	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID, map[string]string{"pin": "test-pin"})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeCreateEntry, res.Type)
	require.Equal(t, cred.ID, res.Result.(*domain.Credentials).ID)
}

func TestLoginFlowSelectsBetweenMFAModules(t *testing.T) {
	env := newTestEnv(t, "static_pin", "module2")
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	cred := env.loginPassword(t, "test-user", "test-pass")
	user, err := env.manager.GetOrCreateUser(ctx, cred)
	require.NoError(t, err)
	_, err = env.manager.EnableUserMFA(ctx, user, "static_pin", map[string]string{"pin": "test-pin"})
	require.NoError(t, err)
	_, err = env.manager.EnableUserMFA(ctx, user, "module2", map[string]string{"pin": "test-pin2"})
	require.NoError(t, err)

	res, err := env.manager.LoginFlow(ctx, "password", "", nil)
	require.NoError(t, err)
	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID,
		map[string]string{"username": "test-user", "password": "test-pass"})
	require.NoError(t, err)
	require.Equal(t, "select_mfa_module", res.StepID)
	require.Equal(t, []string{"multi_factor_auth_module"}, res.Fields)

	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID,
		map[string]string{"multi_factor_auth_module": "module2"})
	require.NoError(t, err)
	require.Equal(t, "mfa", res.StepID)

	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID, map[string]string{"pin": "test-pin2"})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeCreateEntry, res.Type)
}

func TestLoginFlowTooManyRetries(t *testing.T) {
	env := newTestEnv(t, "static_pin")
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	cred := env.loginPassword(t, "test-user", "test-pass")
	user, err := env.manager.GetOrCreateUser(ctx, cred)
	require.NoError(t, err)
	_, err = env.manager.EnableUserMFA(ctx, user, "static_pin", map[string]string{"pin": "test-pin"})
	require.NoError(t, err)

	res, err := env.manager.LoginFlow(ctx, "password", "", nil)
	require.NoError(t, err)
	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID,
		map[string]string{"username": "test-user", "password": "test-pass"})
	require.NoError(t, err)
	require.Equal(t, "mfa", res.StepID)

	for range 2 {
		res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID, map[string]string{"pin": "wrong"})
		require.NoError(t, err)
		require.Equal(t, flow.ResultTypeForm, res.Type)
	}
	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID, map[string]string{"pin": "wrong"})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeAbort, res.Type)
	require.Equal(t, "too_many_retry", res.Reason)
}

func TestLoginFlowMFASessionExpires(t *testing.T) {
	env := newTestEnv(t, "static_pin")
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	cred := env.loginPassword(t, "test-user", "test-pass")
	user, err := env.manager.GetOrCreateUser(ctx, cred)
	require.NoError(t, err)
	_, err = env.manager.EnableUserMFA(ctx, user, "static_pin", map[string]string{"pin": "test-pin"})
	require.NoError(t, err)

	res, err := env.manager.LoginFlow(ctx, "password", "", nil)
	require.NoError(t, err)
	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID,
		map[string]string{"username": "test-user", "password": "test-pass"})
	require.NoError(t, err)
	require.Equal(t, "mfa", res.StepID)

	env.now = env.now.Add(domain.MFASessionExpiration + time.Second)
	res, err = env.manager.ConfigureLoginFlow(ctx, res.FlowID, map[string]string{"pin": "test-pin"})
	require.NoError(t, err)
	require.Equal(t, flow.ResultTypeAbort, res.Type)
	require.Equal(t, "login_expired", res.Reason)
}

func TestOwnerGrantOnlyForFirstUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "first", "pass-1"))
	require.NoError(t, env.password.AddUser(ctx, "second", "pass-2"))

	// A pre-existing system user does not count against the grant.
	_, err := env.manager.CreateSystemUser(ctx, "Supervisor", nil, false)
	require.NoError(t, err)

	first, err := env.manager.GetOrCreateUser(ctx, env.loginPassword(t, "first", "pass-1"))
	require.NoError(t, err)
	require.True(t, first.IsOwner)

	second, err := env.manager.GetOrCreateUser(ctx, env.loginPassword(t, "second", "pass-2"))
	require.NoError(t, err)
	require.False(t, second.IsOwner)
}

func TestCreateUserOwnerGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A system user created first does not count against the grant.
	_, err := env.manager.CreateSystemUser(ctx, "Supervisor", nil, false)
	require.NoError(t, err)

	first, err := env.manager.CreateUser(ctx, "Hello", nil, false)
	require.NoError(t, err)
	require.True(t, first.IsOwner, "the first real user is the owner, created directly or via login")
	require.True(t, first.IsAdmin())

	second, err := env.manager.CreateUser(ctx, "World", nil, false)
	require.NoError(t, err)
	require.False(t, second.IsOwner)
}

func TestCreateRefreshTokenValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The first user takes the owner grant so Paulus can be deactivated.
	_, err := env.manager.CreateUser(ctx, "Owner", nil, false)
	require.NoError(t, err)
	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)
	system, err := env.manager.CreateSystemUser(ctx, "Supervisor", nil, false)
	require.NoError(t, err)

	_, err = env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user})
	require.ErrorIs(t, err, ErrClientRequired)

	_, err = env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: system, ClientID: "client"})
	require.ErrorIs(t, err, ErrSystemUserClient)

	_, err = env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, TokenType: domain.TokenTypeSystem})
	require.ErrorIs(t, err, ErrTokenTypeMismatch)

	_, err = env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, TokenType: domain.TokenTypeLongLived})
	require.ErrorIs(t, err, ErrClientNameRequired)

	require.NoError(t, env.manager.DeactivateUser(ctx, user))
	_, err = env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "client"})
	require.ErrorIs(t, err, ErrUserInactive)
}

func TestSystemUserTokenWithoutClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	system, err := env.manager.CreateSystemUser(ctx, "Supervisor", nil, false)
	require.NoError(t, err)

	token, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: system})
	require.NoError(t, err)
	require.Equal(t, domain.TokenTypeSystem, token.TokenType)
	require.Nil(t, token.ExpireAt, "system tokens never expire on their own")

	accessToken, err := env.manager.CreateAccessToken(ctx, token, "")
	require.NoError(t, err)
	validated, err := env.manager.ValidateAccessToken(ctx, accessToken)
	require.NoError(t, err)
	require.Equal(t, token.ID, validated.ID)
}

func TestLongLivedTokenNameUnique(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)

	token, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{
		User:                  user,
		ClientName:            "automation",
		TokenType:             domain.TokenTypeLongLived,
		AccessTokenExpiration: 3650 * 24 * time.Hour,
	})
	require.NoError(t, err)
	require.Nil(t, token.ExpireAt, "long-lived tokens carry no sliding expiry")

	_, err = env.manager.CreateRefreshToken(ctx, RefreshTokenParams{
		User: user, ClientName: "automation", TokenType: domain.TokenTypeLongLived,
	})
	require.ErrorIs(t, err, ErrClientNameTaken)
}

func TestValidateAccessTokenRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The first user takes the owner grant so Paulus can be deactivated.
	_, err := env.manager.CreateUser(ctx, "Owner", nil, false)
	require.NoError(t, err)
	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)
	refreshToken, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "client"})
	require.NoError(t, err)
	accessToken, err := env.manager.CreateAccessToken(ctx, refreshToken, "")
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := env.manager.ValidateAccessToken(ctx, "not-a-jwt")
		require.ErrorIs(t, err, ErrInvalidAccessToken)
	})

	t.Run("wrong key", func(t *testing.T) {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:    refreshToken.ID,
			IssuedAt:  jwt.NewNumericDate(env.now),
			ExpiresAt: jwt.NewNumericDate(env.now.Add(time.Hour)),
		}).SignedString([]byte("some-other-key"))
		require.NoError(t, err)
		_, err = env.manager.ValidateAccessToken(ctx, forged)
		require.ErrorIs(t, err, ErrInvalidAccessToken)
	})

	t.Run("unknown issuer", func(t *testing.T) {
		ghost, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:    "no-such-token",
			IssuedAt:  jwt.NewNumericDate(env.now),
			ExpiresAt: jwt.NewNumericDate(env.now.Add(time.Hour)),
		}).SignedString([]byte(refreshToken.JWTKey))
		require.NoError(t, err)
		_, err = env.manager.ValidateAccessToken(ctx, ghost)
		require.ErrorIs(t, err, ErrInvalidAccessToken)
	})

	t.Run("issued in the future", func(t *testing.T) {
		future, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:    refreshToken.ID,
			IssuedAt:  jwt.NewNumericDate(env.now.Add(time.Hour)),
			ExpiresAt: jwt.NewNumericDate(env.now.Add(2 * time.Hour)),
		}).SignedString([]byte(refreshToken.JWTKey))
		require.NoError(t, err)
		_, err = env.manager.ValidateAccessToken(ctx, future)
		require.ErrorIs(t, err, ErrInvalidAccessToken)
	})

	t.Run("unsigned algorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Issuer:    refreshToken.ID,
			IssuedAt:  jwt.NewNumericDate(env.now),
			ExpiresAt: jwt.NewNumericDate(env.now.Add(time.Hour)),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = env.manager.ValidateAccessToken(ctx, unsigned)
		require.ErrorIs(t, err, ErrInvalidAccessToken)
	})

	t.Run("inactive user", func(t *testing.T) {
		require.NoError(t, env.manager.DeactivateUser(ctx, user))
		_, err := env.manager.ValidateAccessToken(ctx, accessToken)
		require.ErrorIs(t, err, ErrInvalidAccessToken)
		require.NoError(t, env.manager.ActivateUser(ctx, user))
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		require.NoError(t, env.manager.RemoveRefreshToken(ctx, refreshToken))
		_, err := env.manager.ValidateAccessToken(ctx, accessToken)
		require.ErrorIs(t, err, ErrInvalidAccessToken)
	})
}

func TestAccessTokenExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)
	refreshToken, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "client"})
	require.NoError(t, err)
	accessToken, err := env.manager.CreateAccessToken(ctx, refreshToken, "")
	require.NoError(t, err)

	env.now = env.now.Add(domain.AccessTokenExpiration - time.Minute)
	_, err = env.manager.ValidateAccessToken(ctx, accessToken)
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Minute)
	_, err = env.manager.ValidateAccessToken(ctx, accessToken)
	require.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestRefreshTokenByToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)
	token, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "client"})
	require.NoError(t, err)

	found, err := env.manager.RefreshTokenByToken(ctx, token.Token)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, token.ID, found.ID)

	missing, err := env.manager.RefreshTokenByToken(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestConcurrentTokenOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)
	seed, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "seed"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 48)
	for i := range 16 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			token, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{
				User: user, ClientID: fmt.Sprintf("client-%d", i),
			})
			if err == nil {
				_, err = env.manager.CreateAccessToken(ctx, token, "192.0.2.1")
			}
			errs <- err
		}()
		go func() {
			defer wg.Done()
			found, err := env.manager.RefreshTokenByToken(ctx, seed.Token)
			if err == nil && found == nil {
				err = errors.New("seed token not found")
			}
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := env.manager.RemoveExpiredRefreshTokens(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	tokens, err := env.store.UserRefreshTokens(ctx, user)
	require.NoError(t, err)
	require.Len(t, tokens, 17, "the seed plus one token per minting goroutine")
}

func TestRevokeCallbacks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)
	token, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "client"})
	require.NoError(t, err)

	fired := 0
	unregister := env.manager.RegisterRevokeTokenCallback(token.ID, func() { fired++ })
	env.manager.RegisterRevokeTokenCallback(token.ID, func() { fired += 10 })
	unregister()

	require.NoError(t, env.manager.RemoveRefreshToken(ctx, token))
	require.Equal(t, 10, fired, "only the still-registered callback runs")

	// Revoking again must not re-fire anything.
	require.NoError(t, env.manager.RemoveRefreshToken(ctx, token))
	require.Equal(t, 10, fired)
}

func TestRemoveExpiredRefreshTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)
	stale, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "client-a"})
	require.NoError(t, err)
	longLived, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{
		User: user, ClientName: "automation", TokenType: domain.TokenTypeLongLived,
	})
	require.NoError(t, err)

	fired := false
	env.manager.RegisterRevokeTokenCallback(stale.ID, func() { fired = true })

	env.now = env.now.Add(domain.RefreshTokenExpiration + time.Hour)
	removed, err := env.manager.RemoveExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.True(t, fired)

	gone, err := env.manager.RefreshToken(ctx, stale.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
	kept, err := env.manager.RefreshToken(ctx, longLived.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestSlidingExpiryBumpedByUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)
	token, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "client"})
	require.NoError(t, err)

	// Minting an access token near the end of the window keeps the
	// refresh token alive for another full window.
	env.now = env.now.Add(domain.RefreshTokenExpiration - time.Hour)
	_, err = env.manager.CreateAccessToken(ctx, token, "")
	require.NoError(t, err)

	env.now = env.now.Add(48 * time.Hour)
	removed, err := env.manager.RemoveExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestLinkUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	cred := env.loginPassword(t, "test-user", "test-pass")
	owner, err := env.manager.GetOrCreateUser(ctx, cred)
	require.NoError(t, err)

	require.NoError(t, env.manager.LinkUser(ctx, owner, cred), "re-linking to the same user is a no-op")
	require.Len(t, owner.Credentials, 1)

	other, err := env.manager.CreateUser(ctx, "Other", []string{domain.GroupIDUser}, false)
	require.NoError(t, err)
	require.ErrorIs(t, env.manager.LinkUser(ctx, other, cred), ErrCredentialTaken)
}

func TestRemoveUserCleansUpProviderState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	cred := env.loginPassword(t, "test-user", "test-pass")
	user, err := env.manager.GetOrCreateUser(ctx, cred)
	require.NoError(t, err)
	token, err := env.manager.CreateRefreshToken(ctx, RefreshTokenParams{User: user, ClientID: "client"})
	require.NoError(t, err)

	require.NoError(t, env.manager.RemoveUser(ctx, user))

	gone, err := env.manager.User(ctx, user.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	revoked, err := env.manager.RefreshToken(ctx, token.ID)
	require.NoError(t, err)
	require.Nil(t, revoked)

	require.ErrorIs(t, env.password.ValidateLogin(ctx, "test-user", "test-pass"),
		providers.ErrInvalidAuth, "the provider entry is removed with the user")
}

func TestDeactivateOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.password.AddUser(ctx, "test-user", "test-pass"))

	owner, err := env.manager.GetOrCreateUser(ctx, env.loginPassword(t, "test-user", "test-pass"))
	require.NoError(t, err)
	require.True(t, owner.IsOwner)

	require.ErrorIs(t, env.manager.DeactivateUser(ctx, owner), ErrOwnerDeactivate)
	require.True(t, owner.IsActive)
}

func TestSystemUserCannotEnableMFA(t *testing.T) {
	env := newTestEnv(t, "static_pin")
	ctx := context.Background()

	system, err := env.manager.CreateSystemUser(ctx, "Supervisor", nil, false)
	require.NoError(t, err)

	_, err = env.manager.EnableUserMFA(ctx, system, "static_pin", map[string]string{"pin": "x"})
	require.ErrorIs(t, err, ErrSystemUserMFA)
}

func TestEnableDisableMFA(t *testing.T) {
	env := newTestEnv(t, "static_pin")
	ctx := context.Background()

	user, err := env.manager.CreateUser(ctx, "Paulus", []string{domain.GroupIDAdmin}, false)
	require.NoError(t, err)

	enabled, err := env.manager.EnabledMFAModules(ctx, user)
	require.NoError(t, err)
	require.Empty(t, enabled)

	_, err = env.manager.EnableUserMFA(ctx, user, "static_pin", map[string]string{"pin": "test-pin"})
	require.NoError(t, err)

	enabled, err = env.manager.EnabledMFAModules(ctx, user)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, "static_pin", enabled[0].ID())

	require.NoError(t, env.manager.DisableUserMFA(ctx, user, "static_pin"))
	enabled, err = env.manager.EnabledMFAModules(ctx, user)
	require.NoError(t, err)
	require.Empty(t, enabled)

	_, err = env.manager.EnableUserMFA(ctx, user, "no-such-module", nil)
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLoginFlowUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.LoginFlow(context.Background(), "carrier-pigeon", "", nil)
	require.ErrorIs(t, err, ErrProviderNotFound)
}
