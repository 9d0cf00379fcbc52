package store

import (
	"fmt"
	"strings"

	"github.com/soltixdb/searchcoord/internal/models"
)

// IndexScope is a composable filter over indices (alias i). Each method returns a new scope,
// so a base scope can be shared and refined:
//
//	store.Indices().Initializing().WithAllFinishedRepositories().Ordered().Limit(1000)
type IndexScope struct {
	conds []string
	args  []interface{}
	order string
	limit int
}

// Indices returns the unfiltered scope
func Indices() IndexScope {
	return IndexScope{}
}

func (s IndexScope) clone() IndexScope {
	return IndexScope{
		conds: append([]string(nil), s.conds...),
		args:  append([]interface{}(nil), s.args...),
		order: s.order,
		limit: s.limit,
	}
}

func (s IndexScope) where(cond string, args ...interface{}) IndexScope {
	out := s.clone()
	out.conds = append(out.conds, cond)
	out.args = append(out.args, args...)
	return out
}

// WithState keeps indices in any of the given states
func (s IndexScope) WithState(states ...models.IndexState) IndexScope {
	ph := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, st := range states {
		ph[i] = "?"
		args[i] = string(st)
	}
	return s.where("i.state IN ("+strings.Join(ph, ", ")+")", args...)
}

func (s IndexScope) Initializing() IndexScope {
	return s.WithState(models.IndexInitializing)
}

// WithAllFinishedRepositories keeps indices none of whose repositories is outside ready/failed
func (s IndexScope) WithAllFinishedRepositories() IndexScope {
	return s.where(`NOT EXISTS (
		SELECT 1 FROM repositories r
		WHERE r.index_id = i.id AND r.state NOT IN (?, ?))`,
		string(models.RepositoryReady), string(models.RepositoryFailed))
}

// NotCriticalWatermark excludes indices already selected for eviction
func (s IndexScope) NotCriticalWatermark() IndexScope {
	return s.where("i.watermark_level != ?", string(models.WatermarkCritical))
}

func (s IndexScope) WithWatermark(level models.WatermarkLevel) IndexScope {
	return s.where("i.watermark_level = ?", string(level))
}

func (s IndexScope) ForNode(nodeID int64) IndexScope {
	return s.where("i.node_id = ?", nodeID)
}

func (s IndexScope) ForNamespace(rootNamespaceID int64) IndexScope {
	return s.where("i.root_namespace_id = ?", rootNamespaceID)
}

func (s IndexScope) WithIDs(ids ...int64) IndexScope {
	if len(ids) == 0 {
		return s.where("0")
	}
	in, args := inClause(ids)
	return s.where("i.id IN "+in, args...)
}

// Stale keeps indices whose used-storage figure predates their latest indexing activity
func (s IndexScope) Stale() IndexScope {
	return s.where(`(i.used_updated_at IS NULL
		OR (i.last_indexed_at IS NOT NULL AND i.used_updated_at < i.last_indexed_at))`)
}

// Ordered sorts by id
func (s IndexScope) Ordered() IndexScope {
	s2 := s.clone()
	s2.order = "i.id ASC"
	return s2
}

// EvictionPriority sorts largest reservation first, ties by id
func (s IndexScope) EvictionPriority() IndexScope {
	s2 := s.clone()
	s2.order = "i.reserved_bytes DESC, i.id ASC"
	return s2
}

func (s IndexScope) Limit(n int) IndexScope {
	s2 := s.clone()
	s2.limit = n
	return s2
}

// sql renders "WHERE ... ORDER BY ... LIMIT ..." for a query against indices i
func (s IndexScope) sql() (string, []interface{}) {
	var b strings.Builder
	if len(s.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(s.conds, " AND "))
	}
	if s.order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(s.order)
	}
	if s.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.limit)
	}
	return b.String(), s.args
}

// RepositoryScope is a composable filter over repositories (alias r)
type RepositoryScope struct {
	conds []string
	args  []interface{}
	limit int
}

// Repositories returns the unfiltered scope
func Repositories() RepositoryScope {
	return RepositoryScope{}
}

func (s RepositoryScope) clone() RepositoryScope {
	return RepositoryScope{
		conds: append([]string(nil), s.conds...),
		args:  append([]interface{}(nil), s.args...),
		limit: s.limit,
	}
}

func (s RepositoryScope) where(cond string, args ...interface{}) RepositoryScope {
	out := s.clone()
	out.conds = append(out.conds, cond)
	out.args = append(out.args, args...)
	return out
}

func (s RepositoryScope) WithState(states ...models.RepositoryState) RepositoryScope {
	ph := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, st := range states {
		ph[i] = "?"
		args[i] = string(st)
	}
	return s.where("r.state IN ("+strings.Join(ph, ", ")+")", args...)
}

// ShouldBeReindexed keeps repositories that have not yet been indexed successfully
func (s RepositoryScope) ShouldBeReindexed() RepositoryScope {
	return s.WithState(models.RepositoryPending, models.RepositoryInitializing)
}

const liveTaskExists = `EXISTS (
	SELECT 1 FROM tasks t
	WHERE t.repository_id = r.id AND t.state IN ('pending', 'processing'))`

func (s RepositoryScope) WithPendingOrProcessingTasks() RepositoryScope {
	return s.where(liveTaskExists)
}

func (s RepositoryScope) WithoutPendingOrProcessingTasks() RepositoryScope {
	return s.where("NOT " + liveTaskExists)
}

func (s RepositoryScope) ForIndex(indexID int64) RepositoryScope {
	return s.where("r.index_id = ?", indexID)
}

func (s RepositoryScope) ForProject(projectID int64) RepositoryScope {
	return s.where("r.project_id = ?", projectID)
}

func (s RepositoryScope) WithIDs(ids ...int64) RepositoryScope {
	if len(ids) == 0 {
		return s.where("0")
	}
	in, args := inClause(ids)
	return s.where("r.id IN "+in, args...)
}

// After keeps ids greater than id, for keyset paging
func (s RepositoryScope) After(id int64) RepositoryScope {
	return s.where("r.id > ?", id)
}

func (s RepositoryScope) Limit(n int) RepositoryScope {
	s2 := s.clone()
	s2.limit = n
	return s2
}

// sql always orders by id so Limit and After page deterministically
func (s RepositoryScope) sql() (string, []interface{}) {
	var b strings.Builder
	if len(s.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(s.conds, " AND "))
	}
	b.WriteString(" ORDER BY r.id ASC")
	if s.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.limit)
	}
	return b.String(), s.args
}
