package persons

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sessionscope/backend/internal/models"
)

// Repository resolves person identities from their distinct ids.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetByDistinctIDs batch-resolves persons for the given distinct ids. The
// result maps each distinct id that resolved to its person; unresolved ids
// are simply absent. Each returned person carries exactly the distinct id it
// was looked up with, not the person's full identity set.
func (r *Repository) GetByDistinctIDs(ctx context.Context, teamID uuid.UUID, distinctIDs []string) (map[string]*models.Person, error) {
	if len(distinctIDs) == 0 {
		return map[string]*models.Person{}, nil
	}

	const q = `
		SELECT pdi.distinct_id, p.id, p.properties, p.created_at
		FROM person_distinct_ids pdi
		JOIN persons p ON p.id = pdi.person_id
		WHERE pdi.team_id = $1 AND pdi.distinct_id = ANY($2)`

	rows, err := r.db.Query(ctx, q, teamID, distinctIDs)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Person, len(distinctIDs))
	for rows.Next() {
		var distinctID string
		p := &models.Person{}
		if err := rows.Scan(&distinctID, &p.ID, &p.Properties, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		p.DistinctIDs = []string{distinctID}
		out[distinctID] = p
	}
	return out, rows.Err()
}
