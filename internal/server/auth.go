package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/ilnaes/padsync/internal/common"
)

const TokenTTL = 30 * 24 * time.Hour

type Claims struct {
	Uid  string `json:"uid"`
	Name string `json:"name,omitempty"`
	jwt.StandardClaims
}

type identityKey struct{}

// SignToken issues a bearer token for id.
func SignToken(secret []byte, id common.Identity) (string, error) {
	claim := Claims{Uid: id.UserID, Name: id.DisplayName}
	claim.ExpiresAt = time.Now().Add(TokenTTL).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return token.SignedString(secret)
}

// token -> identity
func parseToken(secret []byte, token string) (common.Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return common.Identity{}, err
	}
	claim, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claim.Uid == "" {
		return common.Identity{}, errors.New("invalid token")
	}
	return common.NewIdentity(claim.Uid, claim.Name), nil
}

// bearer reads the token from the Authorization header, or from the
// token query parameter for browser websockets that cannot set headers.
func bearer(r *http.Request) string {
	if parts := strings.SplitN(r.Header.Get("Authorization"), "Bearer ", 2); len(parts) == 2 {
		return parts[1]
	}
	return r.URL.Query().Get("token")
}

// middleware resolves the caller's identity. Without a secret the server
// runs in development mode and trusts the uid and name query parameters.
func (s *Server) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id common.Identity
		if len(s.secret) == 0 {
			q := r.URL.Query()
			if q.Get("uid") == "" {
				http.Error(w, "Missing uid", http.StatusForbidden)
				return
			}
			id = common.NewIdentity(q.Get("uid"), q.Get("name"))
		} else {
			var err error
			if id, err = parseToken(s.secret, bearer(r)); err != nil {
				http.Error(w, "Invalid token", http.StatusForbidden)
				return
			}
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	}
}

func identityFrom(ctx context.Context) (common.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(common.Identity)
	return id, ok
}
