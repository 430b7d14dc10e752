package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnkday/automation-service/automation/internal/models"
)

var ErrTeamNotFound = errors.New("team not found")

type TeamsRepo struct {
	pool *pgxpool.Pool
}

func NewTeamsRepo(pool *pgxpool.Pool) *TeamsRepo {
	return &TeamsRepo{pool: pool}
}

func (r *TeamsRepo) GetByID(ctx context.Context, teamID uuid.UUID) (models.Team, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT team_id, slug, name, plan, created_at
		FROM teams
		WHERE team_id = $1
	`, teamID)
	return scanTeam(row)
}

func (r *TeamsRepo) GetBySlug(ctx context.Context, slug string) (models.Team, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT team_id, slug, name, plan, created_at
		FROM teams
		WHERE slug = $1
	`, slug)
	return scanTeam(row)
}

func scanTeam(row pgx.Row) (models.Team, error) {
	var t models.Team
	err := row.Scan(&t.TeamID, &t.Slug, &t.Name, &t.Plan, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Team{}, ErrTeamNotFound
	}
	return t, err
}
