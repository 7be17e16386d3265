package domain

import (
	"strings"
	"time"
)

// Resolution is the hierarchy block stamped onto a normalized record.
type Resolution struct {
	EntityID    string
	EntityName  string
	LevelCode   string
	Path        string
	DisplayPath string
	MatchedBy   string
}

type rule struct {
	level   string // empty matches any level by id
	aliases []string
}

// Label keys checked in priority order. Matching is case-insensitive.
var resolutionRules = []rule{
	{level: "", aliases: []string{"entity_id", "entity", "hierarchy_entity"}},
	{level: LevelCostCenter, aliases: []string{"cost_center", "costcenter", "cost-center"}},
	{level: LevelTeam, aliases: []string{"team"}},
	{level: LevelDepartment, aliases: []string{"department", "dept"}},
}

type tenantIndex struct {
	byID    map[string][]*Entity
	byLevel map[string]map[string][]*Entity
}

// Snapshot is an immutable, indexed copy of every tenant's tree.
type Snapshot struct {
	tenants map[string]*tenantIndex
	size    int
}

func NewSnapshot(entities []Entity) *Snapshot {
	s := &Snapshot{tenants: map[string]*tenantIndex{}, size: len(entities)}
	for i := range entities {
		e := &entities[i]
		idx := s.tenants[e.TenantID]
		if idx == nil {
			idx = &tenantIndex{byID: map[string][]*Entity{}, byLevel: map[string]map[string][]*Entity{}}
			s.tenants[e.TenantID] = idx
		}
		idKey := strings.ToLower(e.ID)
		idx.byID[idKey] = append(idx.byID[idKey], e)

		level := idx.byLevel[e.LevelCode]
		if level == nil {
			level = map[string][]*Entity{}
			idx.byLevel[e.LevelCode] = level
		}
		level[idKey] = append(level[idKey], e)
		if nameKey := strings.ToLower(strings.TrimSpace(e.Name)); nameKey != "" && nameKey != idKey {
			level[nameKey] = append(level[nameKey], e)
		}
	}
	return s
}

func (s *Snapshot) Len() int { return s.size }

// Resolve maps labels to the first active entity by label priority.
// Labels that match nothing active fall through to the next priority.
func (s *Snapshot) Resolve(tenantID string, labels map[string]string, at time.Time) (Resolution, error) {
	idx := s.tenants[tenantID]
	if idx == nil || len(labels) == 0 {
		return Resolution{}, ErrNoMatch
	}
	normalized := make(map[string]string, len(labels))
	for k, v := range labels {
		normalized[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}

	for _, r := range resolutionRules {
		for _, alias := range r.aliases {
			value, ok := normalized[alias]
			if !ok || value == "" {
				continue
			}
			var candidates []*Entity
			if r.level == "" {
				candidates = idx.byID[value]
			} else {
				candidates = idx.byLevel[r.level][value]
			}
			for _, e := range candidates {
				if e.Validity().ActiveAt(at) {
					return Resolution{
						EntityID:    e.ID,
						EntityName:  e.Name,
						LevelCode:   e.LevelCode,
						Path:        e.Path,
						DisplayPath: e.DisplayPath,
						MatchedBy:   alias,
					}, nil
				}
			}
		}
	}
	return Resolution{}, ErrNoMatch
}
