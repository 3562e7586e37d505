package auth

import (
	"context"
	"net/http"
)

type BasicAuthEngine struct {
	Username string
	Password string
}

// NewBasicAuthEngine creates a BasicAuthEngine accepting a single user.
func NewBasicAuthEngine(username, password string) *BasicAuthEngine {
	return &BasicAuthEngine{
		Username: username,
		Password: password,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns a User object if the credentials are valid, nil otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	// Evaluate both comparisons so timing does not reveal which one failed.
	userOK := equal(user, e.Username)
	passOK := equal(pass, e.Password)
	if !userOK || !passOK {
		return nil, nil
	}

	return &User{Name: user}, nil
}
