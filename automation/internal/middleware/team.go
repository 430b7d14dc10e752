package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lnkday/automation-service/automation/internal/repos"
	"github.com/lnkday/automation-service/shared/authx"
	"github.com/lnkday/automation-service/shared/httpx"
	"github.com/lnkday/automation-service/shared/teamx"
)

type TeamMiddleware struct {
	Teams *repos.TeamsRepo
	Skip  func(*http.Request) bool
}

func (m TeamMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		teamID := strings.TrimSpace(r.Header.Get("X-Team-ID"))
		teamSlug := strings.TrimSpace(r.Header.Get("X-Team-Slug"))
		if teamID == "" && teamSlug == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing team header", nil)
			return
		}

		var team teamx.TeamContext
		if teamSlug != "" {
			if m.Teams == nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "team repository not configured", nil)
				return
			}
			record, err := m.Teams.GetBySlug(r.Context(), teamSlug)
			if err != nil {
				if errors.Is(err, repos.ErrTeamNotFound) {
					httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "team not found", nil)
					return
				}
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve team", nil)
				return
			}
			if teamID != "" && teamID != record.TeamID.String() {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "team mismatch", nil)
				return
			}
			teamID = record.TeamID.String()
			team.Slug = record.Slug
		}

		if _, err := uuid.Parse(teamID); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid team id", nil)
			return
		}

		if auth, ok := authx.FromContext(r.Context()); ok {
			if err := validateTeamClaims(auth.Claims, teamID); err != nil {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
				return
			}
		}

		team.ID = teamID
		if team.Slug == "" && teamSlug != "" {
			team.Slug = teamSlug
		}

		ctx := teamx.WithTeam(r.Context(), team)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validateTeamClaims(claims map[string]any, teamID string) error {
	if claims == nil || teamID == "" {
		return nil
	}
	if v, ok := claims["team_id"]; ok {
		claimTeamID := strings.TrimSpace(fmt.Sprint(v))
		if claimTeamID != "" && claimTeamID != teamID {
			return errors.New("team claim mismatch")
		}
	}
	if v, ok := claims["teams"]; ok {
		allowed := map[string]struct{}{}
		switch t := v.(type) {
		case []string:
			for _, item := range t {
				item = strings.TrimSpace(item)
				if item != "" {
					allowed[item] = struct{}{}
				}
			}
		case []any:
			for _, item := range t {
				val := strings.TrimSpace(fmt.Sprint(item))
				if val != "" {
					allowed[val] = struct{}{}
				}
			}
		case string:
			for _, item := range strings.Fields(t) {
				item = strings.TrimSpace(item)
				if item != "" {
					allowed[item] = struct{}{}
				}
			}
		default:
			val := strings.TrimSpace(fmt.Sprint(t))
			if val != "" {
				allowed[val] = struct{}{}
			}
		}
		if len(allowed) > 0 {
			if _, ok := allowed[teamID]; !ok {
				return errors.New("team not allowed")
			}
		}
	}
	return nil
}
