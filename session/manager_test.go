package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simplifaq/session-agent/api"
	"github.com/simplifaq/session-agent/broadcast"
	"github.com/simplifaq/session-agent/credentials"
	"github.com/simplifaq/session-agent/credentials/credfakes"
	apperrors "github.com/simplifaq/session-agent/internal/errors"
	"github.com/simplifaq/session-agent/internal/utils"
	"github.com/simplifaq/session-agent/session"
	"github.com/simplifaq/session-agent/session/sessionfakes"
	"github.com/simplifaq/session-agent/users"
)

const (
	testEmail    = "anna@example.ch"
	testPassword = "correct-horse-battery"
	testToken    = "t1"
)

func testProfile() *users.Profile {
	return &users.Profile{
		ID:        "user-1",
		Email:     testEmail,
		FirstName: "Anna",
		LastName:  "Meier",
		Address:   users.Address{City: "Zürich", Country: "CH"},
	}
}

func validSession(now time.Time) credentials.Session {
	return credentials.Session{
		Token:        testToken,
		IssuedAt:     now.Add(-time.Minute),
		ExpiresAt:    now.Add(time.Hour),
		RefreshToken: utils.Ptr("r1"),
	}
}

// testFixture holds all manager dependencies plus the dispatched states.
type testFixture struct {
	backend *sessionfakes.FakeBackend
	tokens  *sessionfakes.FakeTokenManager
	store   *credfakes.FakeStore
	bcast   *sessionfakes.FakeBroadcaster
	manager *session.Manager

	statesLock sync.Mutex
	states     []session.State
}

func setupTestFixture(t *testing.T, options ...session.ManagerOption) *testFixture {
	t.Helper()

	f := &testFixture{
		backend: sessionfakes.NewFakeBackend(),
		tokens:  sessionfakes.NewFakeTokenManager(),
		store:   credfakes.NewFakeStore(),
		bcast:   sessionfakes.NewFakeBroadcaster(),
	}

	opts := append([]session.ManagerOption{
		session.WithStateListener(func(s session.State) {
			f.statesLock.Lock()
			f.states = append(f.states, s)
			f.statesLock.Unlock()
		}),
	}, options...)

	manager, err := session.NewManager(session.Deps{
		Backend:   f.backend,
		Tokens:    f.tokens,
		Store:     f.store,
		Broadcast: f.bcast,
	}, opts...)
	require.NoError(t, err)

	f.manager = manager
	return f
}

func (f *testFixture) dispatchCount() int {
	f.statesLock.Lock()
	defer f.statesLock.Unlock()
	return len(f.states)
}

func TestLogin_ValidationNeverHitsNetwork(t *testing.T) {
	t.Run("short password", func(t *testing.T) {
		f := setupTestFixture(t)
		err := f.manager.Login(context.Background(), testEmail, "short12")
		require.ErrorIs(t, err, apperrors.ErrPasswordTooShort)
		require.Equal(t, 0, f.backend.LoginCalls)
		require.Equal(t, apperrors.ErrPasswordTooShort.Error(), f.manager.State().Error)
	})

	t.Run("bad email", func(t *testing.T) {
		f := setupTestFixture(t)
		err := f.manager.Login(context.Background(), "not-an-email", testPassword)
		require.ErrorIs(t, err, apperrors.ErrInvalidEmail)
		require.Equal(t, 0, f.backend.LoginCalls)
	})
}

func TestLogin_RateLimitBlocksBeforeNetwork(t *testing.T) {
	f := setupTestFixture(t,
		session.WithRateLimiter(session.NewRateLimiter(1, time.Minute)),
	)
	f.backend.LoginErr = &api.ServerError{StatusCode: 401, Message: "invalid credentials"}

	err := f.manager.Login(context.Background(), testEmail, testPassword)
	require.Error(t, err)
	require.Equal(t, 1, f.backend.LoginCalls)

	// Case variant of the same identity shares the budget.
	err = f.manager.Login(context.Background(), "ANNA@example.CH", testPassword)
	require.ErrorIs(t, err, apperrors.ErrRateLimited)
	require.Equal(t, 1, f.backend.LoginCalls)
	require.False(t, f.manager.State().IsAuthenticated)
}

func TestLogin_Success(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.LoginResp = &api.AuthResponse{
		Token:        testToken,
		RefreshToken: utils.Ptr("r1"),
		User:         testProfile(),
	}

	require.NoError(t, f.manager.Login(context.Background(), testEmail, testPassword))

	state := f.manager.State()
	require.True(t, state.IsAuthenticated)
	require.Equal(t, testToken, state.Token)
	require.Equal(t, testEmail, state.User.Email)
	require.Empty(t, state.Error)

	require.Equal(t, 1, f.tokens.StoreCalls)
	require.True(t, f.store.Has(credentials.KeyToken))
	require.True(t, f.store.Has(credentials.KeyUser))
	require.Equal(t, 0, f.backend.MeCalls)
}

func TestLogin_FetchesProfileWhenResponseOmitsUser(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.LoginResp = &api.AuthResponse{Token: testToken}
	f.backend.MeProfile = testProfile()

	require.NoError(t, f.manager.Login(context.Background(), testEmail, testPassword))
	require.Equal(t, 1, f.backend.MeCalls)
	require.True(t, f.manager.State().IsAuthenticated)
}

func TestLogin_ServerRejectionSurfacesMessage(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.LoginErr = &api.ServerError{StatusCode: 401, Message: "invalid credentials"}

	err := f.manager.Login(context.Background(), testEmail, testPassword)
	require.Error(t, err)

	state := f.manager.State()
	require.False(t, state.IsAuthenticated)
	require.Equal(t, "invalid credentials", state.Error)
}

func TestRegister_PendingConfirmationNeverAuthenticates(t *testing.T) {
	f := setupTestFixture(t)
	// Token present in the response must not matter.
	f.backend.RegisterResp = &api.AuthResponse{
		Token:                     "unexpected-token",
		RequiresEmailConfirmation: true,
	}

	outcome, err := f.manager.Register(context.Background(), api.RegisterRequest{
		Email:           testEmail,
		Password:        testPassword,
		PasswordConfirm: testPassword,
		Country:         "CH",
		VATNumber:       "CHE-123.456.789",
	})
	require.NoError(t, err)
	require.Equal(t, session.OutcomePendingConfirmation, outcome)

	state := f.manager.State()
	require.False(t, state.IsAuthenticated)
	require.Empty(t, state.Token)
	require.Equal(t, 0, f.tokens.StoreCalls)
	require.False(t, f.store.Has(credentials.KeyToken))
}

func TestRegister_Authenticates(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.RegisterResp = &api.AuthResponse{Token: testToken, User: testProfile()}

	outcome, err := f.manager.Register(context.Background(), api.RegisterRequest{
		Email:           testEmail,
		Password:        testPassword,
		PasswordConfirm: testPassword,
	})
	require.NoError(t, err)
	require.Equal(t, session.OutcomeAuthenticated, outcome)
	require.True(t, f.manager.State().IsAuthenticated)
}

func TestRestore_FullBundleNeedsNoNetwork(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(time.Now())))
	require.NoError(t, f.store.Put(credentials.KeyUser, testProfile()))

	require.NoError(t, f.manager.Restore(context.Background()))

	state := f.manager.State()
	require.True(t, state.IsAuthenticated)
	require.Equal(t, testToken, state.Token)
	require.Equal(t, 0, f.backend.MeCalls)
	require.Equal(t, 0, f.backend.LoginCalls)
}

func TestRestore_StaleSessionTreatedAsAbsent(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(time.Now())))
	require.NoError(t, f.store.Put(credentials.KeyUser, testProfile()))
	// Stored 40 days ago against the 30-day default max age.
	f.store.Backdate(credentials.KeyToken, time.Now().Add(-40*24*time.Hour))

	require.NoError(t, f.manager.Restore(context.Background()))

	state := f.manager.State()
	require.False(t, state.IsAuthenticated)
	require.Empty(t, state.Error)
	require.Equal(t, 0, f.backend.MeCalls)
}

func TestRestore_MissingProfileRecoversExactlyOnce(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(time.Now())))
	f.backend.MeProfile = testProfile()

	require.NoError(t, f.manager.Restore(context.Background()))

	require.Equal(t, 1, f.backend.MeCalls)
	require.True(t, f.manager.State().IsAuthenticated)
	require.True(t, f.store.Has(credentials.KeyUser))
}

func TestRestore_HungProfileFetchAbortsToCorruption(t *testing.T) {
	f := setupTestFixture(t, session.WithProfileFetchTimeout(20*time.Millisecond))
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(time.Now())))
	f.backend.MeProfile = testProfile()
	f.backend.MeDelay = 500 * time.Millisecond

	err := f.manager.Restore(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionCorrupted)

	require.False(t, f.manager.State().IsAuthenticated)
	require.Equal(t, 1, f.tokens.ClearCalls)
	require.Equal(t, 1, f.store.ClearCalls)
}

func TestRestore_CorruptedEntryForcesLogout(t *testing.T) {
	f := setupTestFixture(t)
	f.store.Corrupt(credentials.KeyToken)

	err := f.manager.Restore(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionCorrupted)
	require.False(t, f.manager.State().IsAuthenticated)
	require.Equal(t, 1, f.store.ClearCalls)
}

func TestCorruptionHandling_CollapsesWithinCooldown(t *testing.T) {
	f := setupTestFixture(t, session.WithCorruptionCooldown(time.Minute))

	f.store.Corrupt(credentials.KeyToken)
	require.Error(t, f.manager.Restore(context.Background()))

	// Re-trigger inside the cooldown: the second cleanup must not run.
	f.store.Corrupt(credentials.KeyToken)
	require.Error(t, f.manager.Restore(context.Background()))

	require.Equal(t, 1, f.tokens.ClearCalls)
	require.Equal(t, 1, f.store.ClearCalls)
	require.Equal(t, 1, f.dispatchCount(), "exactly one logout dispatch across both triggers")
}

func TestLogout_InvokesBothCollaboratorsEvenOnFailure(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(time.Now())))
	require.NoError(t, f.store.Put(credentials.KeyUser, testProfile()))
	require.NoError(t, f.manager.Restore(context.Background()))
	require.True(t, f.manager.State().IsAuthenticated)

	f.tokens.LogoutErr = &api.ServerError{StatusCode: 500, Message: "boom"}
	f.bcast.InitiateErr = &api.ServerError{StatusCode: 500, Message: "boom"}

	require.NoError(t, f.manager.Logout(context.Background()))

	require.Equal(t, 1, f.tokens.LogoutCalls)
	require.Equal(t, 1, f.bcast.InitiateCalls)
	require.GreaterOrEqual(t, f.store.ClearCalls, 1)
	require.False(t, f.manager.State().IsAuthenticated)
}

func TestTouch_ThrottlesExtensions(t *testing.T) {
	now := time.Now()
	var clockLock sync.Mutex
	clock := func() time.Time {
		clockLock.Lock()
		defer clockLock.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockLock.Lock()
		now = now.Add(d)
		clockLock.Unlock()
	}

	f := setupTestFixture(t,
		session.WithNowTime(clock),
		session.WithActivityThrottle(5*time.Minute),
	)
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(now)))
	require.NoError(t, f.store.Put(credentials.KeyUser, testProfile()))
	require.NoError(t, f.manager.Restore(context.Background()))

	f.tokens.ExpiringSoon = true

	f.manager.Touch(context.Background())
	require.Equal(t, 1, f.tokens.RefreshCalls)

	// Inside the throttle window: no second extension.
	advance(time.Minute)
	f.manager.Touch(context.Background())
	require.Equal(t, 1, f.tokens.RefreshCalls)

	advance(5 * time.Minute)
	f.manager.Touch(context.Background())
	require.Equal(t, 2, f.tokens.RefreshCalls)
}

func TestTouch_NoopWhenLoggedOut(t *testing.T) {
	f := setupTestFixture(t)
	f.tokens.ExpiringSoon = true
	f.manager.Touch(context.Background())
	require.Equal(t, 0, f.tokens.RefreshCalls)
}

func TestRun_ConvergesOnRemoteLogout(t *testing.T) {
	f := setupTestFixture(t, session.WithBackstopInterval(time.Hour))
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(time.Now())))
	require.NoError(t, f.store.Put(credentials.KeyUser, testProfile()))
	require.NoError(t, f.manager.Restore(context.Background()))
	require.True(t, f.manager.State().IsAuthenticated)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = f.manager.Run(ctx)
		close(done)
	}()

	f.bcast.Emit(broadcast.Change{Kind: broadcast.ChangeLogout, At: time.Now()})

	require.Eventually(t, func() bool {
		return !f.manager.State().IsAuthenticated
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRun_SyncsCredentialChanges(t *testing.T) {
	f := setupTestFixture(t, session.WithBackstopInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = f.manager.Run(ctx)
		close(done)
	}()

	// Another process logged in and wrote the bundle.
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(time.Now())))
	require.NoError(t, f.store.Put(credentials.KeyUser, testProfile()))
	f.bcast.Emit(broadcast.Change{Kind: broadcast.ChangeCredentials, At: time.Now()})

	require.Eventually(t, func() bool {
		return f.manager.State().IsAuthenticated
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestUpdateUser_PersistsAndDispatches(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Put(credentials.KeyToken, validSession(time.Now())))
	require.NoError(t, f.store.Put(credentials.KeyUser, testProfile()))
	require.NoError(t, f.manager.Restore(context.Background()))

	updated := testProfile()
	updated.Company = "Meier Treuhand AG"
	require.NoError(t, f.manager.UpdateUser(updated))

	state := f.manager.State()
	require.Equal(t, "Meier Treuhand AG", state.User.Company)
	require.True(t, state.IsAuthenticated)
}

func TestClearError(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.LoginErr = &api.ServerError{StatusCode: 401, Message: "invalid credentials"}
	require.Error(t, f.manager.Login(context.Background(), testEmail, testPassword))
	require.NotEmpty(t, f.manager.State().Error)

	f.manager.ClearError()
	require.Empty(t, f.manager.State().Error)
}
