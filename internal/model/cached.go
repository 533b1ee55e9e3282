package model

import (
	"context"
	"slices"
	"strings"

	"github.com/roach88/rowmap/internal/canon"
	"github.com/roach88/rowmap/internal/invalidation"
	"github.com/roach88/rowmap/internal/querysql"
)

// CachedWhere is Where through the result cache. The result stays cached
// until a write touches this model's table or any other table the clause
// reads.
//
// Updates that change only fields listed in ignored do not invalidate the
// result; inserts, deletes and raw writes always do. The returned slice is a
// copy and may be modified.
func (m *Model) CachedWhere(ctx context.Context, afterWhere string, args []any, ignored ...string) ([]*Instance, error) {
	key, err := canon.QueryKey(canon.DomainWhere, m.Name, afterWhere, args, ignored)
	if err != nil {
		return nil, err
	}

	v, err := m.db.cache.GetOrCompute(key, m.whereDeps(afterWhere, ignored), func() (any, error) {
		return m.Where(ctx, afterWhere, args...)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]*Instance)), nil
}

// whereDeps lists the invalidation keys a cached Where depends on.
func (m *Model) whereDeps(afterWhere string, ignored []string) []string {
	var deps []string
	if len(ignored) == 0 {
		deps = append(deps, invalidation.Table(m.Table))
	} else {
		deps = append(deps, invalidation.Rows(m.Table))
		for _, f := range m.fields {
			if !containsFold(ignored, f.Name) {
				deps = append(deps, invalidation.Field(m.Table, f.Name))
			}
		}
	}

	own := strings.ToLower(m.Table)
	for _, t := range querysql.Tables(m.compiler.Expand(afterWhere)) {
		if t != own {
			deps = append(deps, invalidation.Table(t))
		}
	}
	return deps
}

// CachedObject caches an arbitrary value derived from this model under id.
// It depends on the model's table unless tables are given.
func (m *Model) CachedObject(ctx context.Context, id string, gen func(ctx context.Context) (any, error), tables ...string) (any, error) {
	key, err := canon.Key(canon.DomainObject, m.Name, id)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		tables = []string{m.Table}
	}
	deps := make([]string, len(tables))
	for i, t := range tables {
		deps[i] = invalidation.Table(t)
	}

	return m.db.cache.GetOrCompute(key, deps, func() (any, error) {
		return gen(ctx)
	})
}

func canonRowsKey(query string, args []any) (string, error) {
	return canon.QueryKey(canon.DomainRows, "", query, args, nil)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
