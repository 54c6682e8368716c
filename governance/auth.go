// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package governance

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"intellipm/platform/governance/approval"
	"intellipm/platform/governance/decision"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const ctxKeyActor contextKey = "actor"

// actorFromToken validates a bearer token and extracts the acting
// identity. Tokens carry user_id, role, and org_id claims issued by the
// IntelliPM identity service.
func actorFromToken(tokenString string, secret []byte) (*decision.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	actor := &decision.Actor{
		ID:    getClaimString(claims, "user_id"),
		Role:  approval.Role(getClaimString(claims, "role")),
		OrgID: getClaimString(claims, "org_id"),
	}
	if err := actor.Validate(); err != nil {
		return nil, fmt.Errorf("incomplete identity claims: %w", err)
	}
	return actor, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// authMiddleware requires a valid bearer token on approval-action and
// admin routes and stashes the actor in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			sendErrorResponse(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		actor, err := actorFromToken(strings.TrimPrefix(header, "Bearer "), s.jwtSecret)
		if err != nil {
			sendErrorResponse(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyActor, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom returns the authenticated actor, or nil outside the
// authenticated route group.
func actorFrom(ctx context.Context) *decision.Actor {
	actor, _ := ctx.Value(ctxKeyActor).(*decision.Actor)
	return actor
}
