package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/hierarchy/domain"
	"github.com/smallbiznis/costflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Repo   domain.Repository
	Holder *Holder
}

type AdminService struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	repo   domain.Repository
	holder *Holder
}

func NewAdmin(p Params) domain.AdminService {
	return &AdminService{
		db:     p.DB,
		log:    p.Log.Named("hierarchy.admin"),
		clock:  p.Clock,
		repo:   p.Repo,
		holder: p.Holder,
	}
}

func (s *AdminService) Create(ctx context.Context, req domain.CreateRequest) (*domain.Entity, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	id := strings.TrimSpace(req.ID)
	if !domain.ValidEntityID(id) {
		return nil, domain.ErrInvalidEntityID
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	level := strings.ToLower(strings.TrimSpace(req.LevelCode))
	if !domain.ValidLevel(level) {
		return nil, domain.ErrInvalidLevel
	}

	// Resolution folds ids to lower case, so ids differing only in case would collide.
	existing, err := s.repo.GetFold(ctx, s.db, tenantID, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrEntityExists
	}

	now := s.clock.Now().UTC()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}

	entity := &domain.Entity{
		TenantID:    tenantID,
		ID:          id,
		Name:        name,
		LevelCode:   level,
		Path:        domain.PathSeparator + id,
		DisplayPath: name,
		ValidFrom:   validFrom,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if parentID := strings.TrimSpace(req.ParentID); parentID != "" {
		parent, err := s.repo.Get(ctx, s.db, tenantID, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, domain.ErrNotFound
		}
		if !parent.Validity().ActiveAt(now) {
			return nil, domain.ErrParentInactive
		}
		entity.ParentID = &parent.ID
		entity.Path = parent.Path + domain.PathSeparator + id
		entity.DisplayPath = parent.DisplayPath + domain.DisplayPathSeparator + name
	}

	if err := s.repo.Insert(ctx, s.db, entity); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrEntityExists
		}
		return nil, err
	}

	s.log.Info("hierarchy entity created",
		zap.String("tenant_id", tenantID),
		zap.String("entity_id", id),
		zap.String("path", entity.Path),
	)
	s.refresh(ctx)
	return entity, nil
}

// SoftDelete closes the entity and its whole subtree. Already normalized records keep
// the paths they were stamped with.
func (s *AdminService) SoftDelete(ctx context.Context, tenantID, id string) (int64, error) {
	tenantID = strings.TrimSpace(tenantID)
	id = strings.TrimSpace(id)
	if tenantID == "" {
		return 0, domain.ErrInvalidTenant
	}

	target, err := s.repo.Get(ctx, s.db, tenantID, id)
	if err != nil {
		return 0, err
	}
	if target == nil {
		return 0, domain.ErrNotFound
	}

	all, err := s.repo.ListTenant(ctx, s.db, tenantID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, 1)
	for _, e := range all {
		if domain.InSubtree(e.Path, target.Path) {
			ids = append(ids, e.ID)
		}
	}

	closed, err := s.repo.Close(ctx, s.db, tenantID, ids, s.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	s.log.Info("hierarchy subtree closed",
		zap.String("tenant_id", tenantID),
		zap.String("entity_id", id),
		zap.Int64("closed", closed),
	)
	s.refresh(ctx)
	return closed, nil
}

// Move re-parents an entity and rewrites the materialized paths of its subtree.
func (s *AdminService) Move(ctx context.Context, req domain.MoveRequest) (*domain.Entity, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	now := s.clock.Now().UTC()

	var moved *domain.Entity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := s.repo.Get(ctx, tx, tenantID, strings.TrimSpace(req.ID))
		if err != nil {
			return err
		}
		if target == nil {
			return domain.ErrNotFound
		}

		newPath := domain.PathSeparator + target.ID
		newDisplay := target.Name
		var newParent *string
		if parentID := strings.TrimSpace(req.NewParentID); parentID != "" {
			parent, err := s.repo.Get(ctx, tx, tenantID, parentID)
			if err != nil {
				return err
			}
			if parent == nil {
				return domain.ErrNotFound
			}
			if domain.InSubtree(parent.Path, target.Path) {
				return domain.ErrCycle
			}
			if !parent.Validity().ActiveAt(now) {
				return domain.ErrParentInactive
			}
			newParent = &parent.ID
			newPath = parent.Path + domain.PathSeparator + target.ID
			newDisplay = parent.DisplayPath + domain.DisplayPathSeparator + target.Name
		}

		all, err := s.repo.ListTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		oldPath, oldDisplay := target.Path, target.DisplayPath
		for i := range all {
			e := &all[i]
			if !domain.InSubtree(e.Path, oldPath) {
				continue
			}
			if e.ID == target.ID {
				e.ParentID = newParent
			}
			e.Path = newPath + strings.TrimPrefix(e.Path, oldPath)
			e.DisplayPath = newDisplay + strings.TrimPrefix(e.DisplayPath, oldDisplay)
			e.UpdatedAt = now
			if err := s.repo.UpdatePlacement(ctx, tx, e); err != nil {
				return err
			}
			if e.ID == target.ID {
				copied := *e
				moved = &copied
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("hierarchy entity moved",
		zap.String("tenant_id", tenantID),
		zap.String("entity_id", moved.ID),
		zap.String("path", moved.Path),
	)
	s.refresh(ctx)
	return moved, nil
}

func (s *AdminService) Get(ctx context.Context, tenantID, id string) (*domain.Entity, error) {
	e, err := s.repo.Get(ctx, s.db, strings.TrimSpace(tenantID), strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (s *AdminService) refresh(ctx context.Context) {
	if s.holder == nil {
		return
	}
	if err := s.holder.Refresh(ctx); err != nil {
		s.log.Warn("hierarchy snapshot refresh after admin write failed", zap.Error(err))
	}
}
