package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"stash/pkg/auth"

	"github.com/stretchr/testify/require"
)

type failingEngine struct{}

func (failingEngine) AuthenticateRequest(context.Context, *http.Request) (*auth.User, error) {
	return nil, errors.New("backend unavailable")
}

func TestBasicAuthEngine(t *testing.T) {
	t.Parallel()

	engine := auth.NewBasicAuthEngine("admin", "secret")

	tests := []struct {
		name     string
		setup    func(r *http.Request)
		wantUser string
	}{
		{name: "valid", setup: func(r *http.Request) { r.SetBasicAuth("admin", "secret") }, wantUser: "admin"},
		{name: "wrong password", setup: func(r *http.Request) { r.SetBasicAuth("admin", "nope") }},
		{name: "wrong user", setup: func(r *http.Request) { r.SetBasicAuth("root", "secret") }},
		{name: "missing header", setup: func(r *http.Request) {}},
		{name: "bearer token", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			tt.setup(r)

			user, err := engine.AuthenticateRequest(r.Context(), r)
			require.NoError(t, err)
			if tt.wantUser == "" {
				require.Nil(t, user, "expected request to be rejected")
				return
			}
			require.NotNil(t, user, "expected request to be accepted")
			require.Equal(t, tt.wantUser, user.Name)
		})
	}
}

func TestTokenAuthEngine(t *testing.T) {
	t.Parallel()

	engine := auth.NewTokenAuthEngine("s3cr3t")

	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Header.Set("Authorization", "Bearer s3cr3t")
	user, err := engine.AuthenticateRequest(r.Context(), r)
	require.NoError(t, err)
	require.NotNil(t, user)

	r.Header.Set("Authorization", "Bearer other")
	user, err = engine.AuthenticateRequest(r.Context(), r)
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestCompoundAuthEngine(t *testing.T) {
	t.Parallel()

	engine := auth.NewCompoundAuthEngine(
		failingEngine{},
		auth.NewBasicAuthEngine("admin", "secret"),
		auth.NewTokenAuthEngine("s3cr3t"),
	)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer s3cr3t")
	user, err := engine.AuthenticateRequest(r.Context(), r)
	require.NoError(t, err, "a later engine accepting the request hides earlier errors")
	require.Equal(t, "token", user.Name)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	user, err = engine.AuthenticateRequest(r.Context(), r)
	require.Error(t, err, "the engine error is reported when nobody accepts")
	require.Nil(t, user)
}
