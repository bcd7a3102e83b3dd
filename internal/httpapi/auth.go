// jobhub is a distributed job queue and worker orchestration service.
// Copyright (C) 2026 jobhub contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package httpapi

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BearerAuth gates the webhook subscription admin routes behind a single
// bcrypt-hashed bearer token, adapted from shoal's pkg/auth password
// hashing (internal/provisioner/api/auth.go's AuthMiddleware, simplified to
// the one mode jobhub needs: service-to-service admin access, since
// end-user authentication is out of scope per spec.md §1).
type BearerAuth struct {
	hash []byte
}

// NewBearerAuth wraps a bcrypt hash produced by HashAdminToken. An empty
// hash makes every request unauthorized, rather than silently disabling
// auth — callers that want auth disabled must not install the middleware
// at all (see httpapi.Config.AdminAuth == nil).
func NewBearerAuth(bcryptHash string) *BearerAuth {
	return &BearerAuth{hash: []byte(bcryptHash)}
}

// HashAdminToken bcrypt-hashes a plaintext admin token for storage in the
// JOBHUB_ADMIN_TOKEN_HASH environment variable.
func HashAdminToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Middleware rejects any request whose "Authorization: Bearer <token>"
// header does not verify against the configured hash.
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}
