// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// TokensFromRequest returns the tokens supplied in the request's
// "Authorization: Bearer" header and api_token query parameters.
func TokensFromRequest(r *http.Request) []string {
	var tokens []string
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && toks[0] == "Bearer" {
		tokens = append(tokens, strings.TrimSpace(toks[1]))
	}
	for _, t := range r.URL.Query()["api_token"] {
		tokens = append(tokens, strings.TrimSpace(t))
	}
	return tokens
}

// RequireToken wraps the next handler, rejecting any request that
// doesn't supply the given token. If token is empty, every request
// is rejected.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			Error(w, "management API authentication is not configured", http.StatusForbidden)
			return
		}
		tokens := TokensFromRequest(r)
		if len(tokens) == 0 {
			Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}

// HealthHandler responds to authenticated health checks with
// {"health":"OK"} or {"health":"ERROR","error":"..."}.
func HealthHandler(token string, check func() error) http.Handler {
	return RequireToken(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]string{"health": "OK"}
		if err := check(); err != nil {
			resp = map[string]string{"health": "ERROR", "error": err.Error()}
		}
		json.NewEncoder(w).Encode(resp)
	}))
}
