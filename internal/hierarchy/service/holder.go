package service

import (
	"context"
	"sync/atomic"

	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/hierarchy/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Holder owns the current hierarchy snapshot. Readers never block on refreshes.
type Holder struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    domain.Repository
	current atomic.Pointer[domain.Snapshot]
}

func NewHolder(conn *gorm.DB, log *zap.Logger, clk clock.Clock, repo domain.Repository) *Holder {
	h := &Holder{
		db:    conn,
		log:   log.Named("hierarchy.snapshot"),
		clock: clk,
		repo:  repo,
	}
	h.current.Store(domain.NewSnapshot(nil))
	return h
}

// Refresh reloads every tenant's tree and swaps it in.
func (h *Holder) Refresh(ctx context.Context) error {
	entities, err := h.repo.ListAll(ctx, h.db)
	if err != nil {
		return err
	}
	snap := domain.NewSnapshot(entities)
	h.current.Store(snap)
	h.log.Debug("hierarchy snapshot refreshed", zap.Int("entities", snap.Len()))
	return nil
}

func (h *Holder) Snapshot() *domain.Snapshot {
	return h.current.Load()
}

// Resolve resolves labels against the current snapshot as of now.
func (h *Holder) Resolve(tenantID string, labels map[string]string) (domain.Resolution, error) {
	return h.Snapshot().Resolve(tenantID, labels, h.clock.Now().UTC())
}
