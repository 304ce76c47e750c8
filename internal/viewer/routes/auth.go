package routes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// requireToken checks an HS256 bearer token whose subject is selfID. An
// empty secret disables the check. WebSocket clients may pass the token as
// the access_token query parameter.
func requireToken(secret, selfID string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	key := []byte(secret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if err := checkToken(raw, key, selfID); err != nil {
			log.Debugf("rejected token from %s: %v", r.RemoteAddr, err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func checkToken(raw string, key []byte, selfID string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if claims.Subject != selfID {
		return errors.New("token subject does not match user")
	}
	return nil
}

// IssueToken signs a token for userID. Used by the peer command to print a
// token for local clients.
func IssueToken(secret, userID string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: userID})
	return tok.SignedString([]byte(secret))
}
