package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	in "mailarchive/core/port/in"
)

// AdminService implements in.AdminService directly against the connection
// pool: schema bootstrap, destructive reset, and liveness are properties of
// the store connection itself, not of any domain port.
type AdminService struct {
	pool *pgxpool.Pool
}

func NewAdminService(pool *pgxpool.Pool) *AdminService {
	return &AdminService{pool: pool}
}

func (a *AdminService) SetupDatabase(ctx context.Context) error {
	return Bootstrap(ctx, a.pool)
}

func (a *AdminService) ResetDatabase(ctx context.Context) error {
	return Reset(ctx, a.pool)
}

func (a *AdminService) TestConnection(ctx context.Context) error {
	return HealthCheck(ctx, a.pool)
}

var _ in.AdminService = (*AdminService)(nil)
