package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/hierarchy/domain"
	"github.com/smallbiznis/costflow/internal/hierarchy/repository"
	"github.com/smallbiznis/costflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	admin  domain.AdminService
	holder *Holder
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := dbtest.Open(t, &domain.Entity{})
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	holder := NewHolder(conn, zap.NewNop(), clk, repo)
	admin := NewAdmin(Params{DB: conn, Log: zap.NewNop(), Clock: clk, Repo: repo, Holder: holder})
	return fixture{admin: admin, holder: holder, clock: clk}
}

func (f fixture) create(t *testing.T, id, name, level, parent string) *domain.Entity {
	t.Helper()
	e, err := f.admin.Create(context.Background(), domain.CreateRequest{
		TenantID: "t1", ID: id, Name: name, LevelCode: level, ParentID: parent,
	})
	require.NoError(t, err)
	return e
}

func TestCreateBuildsMaterializedPath(t *testing.T) {
	f := newFixture(t)
	f.create(t, "DEPT-1", "Engineering", domain.LevelDepartment, "")
	f.create(t, "PROJ-2", "Checkout", domain.LevelProject, "DEPT-1")
	team := f.create(t, "TEAM-3", "Payments", domain.LevelTeam, "PROJ-2")

	assert.Equal(t, "/DEPT-1/PROJ-2/TEAM-3", team.Path)
	assert.Equal(t, "Engineering / Checkout / Payments", team.DisplayPath)

	f.clock.Advance(time.Minute)
	res, err := f.holder.Resolve("t1", map[string]string{"team": "TEAM-3"})
	require.NoError(t, err)
	assert.Equal(t, "/DEPT-1/PROJ-2/TEAM-3", res.Path)
}

func TestCreateRejectsDuplicatesAndBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "DEPT-1", "Engineering", domain.LevelDepartment, "")

	_, err := f.admin.Create(ctx, domain.CreateRequest{TenantID: "t1", ID: "DEPT-1", Name: "Again", LevelCode: domain.LevelDepartment})
	assert.ErrorIs(t, err, domain.ErrEntityExists)

	_, err = f.admin.Create(ctx, domain.CreateRequest{TenantID: "t1", ID: "A/B", Name: "x", LevelCode: domain.LevelTeam})
	assert.ErrorIs(t, err, domain.ErrInvalidEntityID)

	_, err = f.admin.Create(ctx, domain.CreateRequest{TenantID: "t1", ID: "X", Name: "x", LevelCode: "squad"})
	assert.ErrorIs(t, err, domain.ErrInvalidLevel)

	_, err = f.admin.Create(ctx, domain.CreateRequest{TenantID: "t1", ID: "X", Name: "x", LevelCode: domain.LevelTeam, ParentID: "NOPE"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateRejectsIDDifferingOnlyInCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "TEAM-3", "Payments", domain.LevelTeam, "")

	_, err := f.admin.Create(ctx, domain.CreateRequest{TenantID: "t1", ID: "team-3", Name: "Other", LevelCode: domain.LevelTeam})
	assert.ErrorIs(t, err, domain.ErrEntityExists)

	// other tenants keep their own id space
	_, err = f.admin.Create(ctx, domain.CreateRequest{TenantID: "t2", ID: "team-3", Name: "Other", LevelCode: domain.LevelTeam})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res, err := f.holder.Resolve("t1", map[string]string{"team": "team-3"})
	require.NoError(t, err)
	assert.Equal(t, "/TEAM-3", res.Path)
}

func TestSoftDeleteClosesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "DEPT-1", "Engineering", domain.LevelDepartment, "")
	f.create(t, "PROJ-2", "Checkout", domain.LevelProject, "DEPT-1")
	f.create(t, "TEAM-3", "Payments", domain.LevelTeam, "PROJ-2")
	f.create(t, "DEPT-10", "Sales", domain.LevelDepartment, "")

	f.clock.Advance(time.Hour)
	closed, err := f.admin.SoftDelete(ctx, "t1", "PROJ-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), closed)

	f.clock.Advance(time.Minute)
	_, err = f.holder.Resolve("t1", map[string]string{"team": "TEAM-3"})
	assert.ErrorIs(t, err, domain.ErrNoMatch)

	res, err := f.holder.Resolve("t1", map[string]string{"team": "TEAM-3", "department": "DEPT-1"})
	require.NoError(t, err)
	assert.Equal(t, "DEPT-1", res.EntityID)

	_, err = f.admin.Create(ctx, domain.CreateRequest{TenantID: "t1", ID: "TEAM-4", Name: "New", LevelCode: domain.LevelTeam, ParentID: "PROJ-2"})
	assert.ErrorIs(t, err, domain.ErrParentInactive)
}

func TestMoveRepathsSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "DEPT-1", "Engineering", domain.LevelDepartment, "")
	f.create(t, "DEPT-2", "Platform", domain.LevelDepartment, "")
	f.create(t, "PROJ-2", "Checkout", domain.LevelProject, "DEPT-1")
	f.create(t, "TEAM-3", "Payments", domain.LevelTeam, "PROJ-2")

	moved, err := f.admin.Move(ctx, domain.MoveRequest{TenantID: "t1", ID: "PROJ-2", NewParentID: "DEPT-2"})
	require.NoError(t, err)
	assert.Equal(t, "/DEPT-2/PROJ-2", moved.Path)

	team, err := f.admin.Get(ctx, "t1", "TEAM-3")
	require.NoError(t, err)
	assert.Equal(t, "/DEPT-2/PROJ-2/TEAM-3", team.Path)
	assert.Equal(t, "Platform / Checkout / Payments", team.DisplayPath)

	_, err = f.admin.Move(ctx, domain.MoveRequest{TenantID: "t1", ID: "DEPT-2", NewParentID: "TEAM-3"})
	assert.ErrorIs(t, err, domain.ErrCycle)
}
