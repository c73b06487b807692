package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adloom/go-adloom/internal/domain"
)

type projectRepository struct {
	pool *pgxpool.Pool
}

func (r *projectRepository) Create(ctx context.Context, p *domain.Project) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO projects
			(id, title, product_url, owner_email,
			 generation_progress, generation_status, result_urls,
			 created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		p.ID, p.Title, p.ProductURL, p.OwnerEmail,
		p.GenerationProgress, string(p.GenerationStatus), p.ResultURLs,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, err)
	}
	return nil
}

func (r *projectRepository) Get(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	var statusStr string
	err := r.pool.QueryRow(ctx, `
		SELECT id, title, product_url, owner_email,
		       generation_progress, generation_status, result_urls,
		       created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id).Scan(
		&p.ID, &p.Title, &p.ProductURL, &p.OwnerEmail,
		&p.GenerationProgress, &statusStr, &p.ResultURLs,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.ProjectNotFoundError{ProjectID: id}
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	p.GenerationStatus = domain.ProjectStatus(statusStr)
	return &p, nil
}

func (r *projectRepository) UpdateRollup(ctx context.Context, id string, progress int, status domain.ProjectStatus, resultURLs []string) error {
	if resultURLs == nil {
		resultURLs = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE projects
		SET generation_progress = $1, generation_status = $2,
		    result_urls = $3, updated_at = $4
		WHERE id = $5
	`, progress, string(status), resultURLs, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update rollup for project %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ProjectNotFoundError{ProjectID: id}
	}
	return nil
}
