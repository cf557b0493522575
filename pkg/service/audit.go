package service

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

// AuditReport summarizes drift between the cache and the SQL store.
type AuditReport struct {
	// OrphanedCache lists cache entries with no backing SQL row.
	OrphanedCache []string `json:"orphaned_cache,omitempty"`

	// ExpiredRows lists SQL rows whose expiration has passed but that
	// have not been purged.
	ExpiredRows []string `json:"expired_rows,omitempty"`

	// Checked is the number of SQL rows examined.
	Checked int `json:"checked"`
}

// Clean reports whether the audit found no drift.
func (r *AuditReport) Clean() bool {
	return len(r.OrphanedCache) == 0 && len(r.ExpiredRows) == 0
}

// Audit scans the cache and the SQL store for drift: cache entries
// whose row was deleted underneath them, and rows that expired without
// being purged. It only reports; repair is a separate, deliberate step.
func (s *Service) Audit(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{}
	now := s.now()

	cacheKeys, err := s.cache.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cache keys: %w", err)
	}
	sqlKeys, err := s.tokens.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing token keys: %w", err)
	}

	known := make(map[string]struct{}, len(sqlKeys))
	for _, key := range sqlKeys {
		known[key] = struct{}{}
	}
	for _, key := range cacheKeys {
		if _, ok := known[key]; !ok {
			report.OrphanedCache = append(report.OrphanedCache, key)
		}
	}

	for _, key := range sqlKeys {
		rec, err := s.tokens.Get(ctx, key)
		if err != nil {
			// Deleted between the key scan and now; not drift.
			continue
		}
		report.Checked++
		if rec.Expires != nil && !rec.Expires.After(now) {
			report.ExpiredRows = append(report.ExpiredRows, key)
		}
	}

	if !report.Clean() {
		logger.Warnw("token audit found drift",
			"orphaned_cache", len(report.OrphanedCache),
			"expired_rows", len(report.ExpiredRows))
	}
	return report, nil
}

// ExpireTokens deletes rows whose expiration has passed, recording an
// expire history entry for each. This is the maintenance counterpart of
// Audit, run on a timer rather than per request.
func (s *Service) ExpireTokens(ctx context.Context) (int, error) {
	keys, err := s.tokens.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing token keys: %w", err)
	}

	now := s.now().UTC()
	expired := 0
	for _, key := range keys {
		rec, err := s.tokens.Get(ctx, key)
		if err != nil {
			continue
		}
		if rec.Expires == nil || rec.Expires.After(now) {
			continue
		}
		removed, err := s.expireOne(ctx, rec, now)
		if err != nil {
			return expired, err
		}
		if removed {
			expired++
		}
	}
	return expired, nil
}

// expireOne removes a single expired token. Children are handled in
// their own pass; an expired parent with live children is left for the
// next run so the delete order stays children-first.
func (s *Service) expireOne(ctx context.Context, rec *storage.TokenRecord, now time.Time) (bool, error) {
	children, err := s.tokens.Children(ctx, rec.Key)
	if err != nil {
		return false, fmt.Errorf("listing children of %s: %w", rec.Key, err)
	}
	if len(children) > 0 {
		return false, nil
	}

	if err := s.cache.Delete(ctx, rec.Key); err != nil {
		return false, fmt.Errorf("evicting token %s from cache: %w", rec.Key, err)
	}
	if err := s.cache.DeleteChild(ctx, rec.Key); err != nil {
		logger.Warnw("failed to drop mint dedup entries", "key", rec.Key, "error", err)
	}

	err = s.tokens.Delete(ctx, rec.Key, &storage.HistoryEntry{
		TokenKey:  rec.Key,
		Username:  rec.Username,
		Kind:      rec.Kind,
		TokenName: rec.TokenName,
		Parent:    rec.Parent,
		Scopes:    rec.Scopes,
		Service:   rec.Service,
		Expires:   rec.Expires,
		Actor:     rec.Username,
		Action:    storage.ActionExpire,
		EventTime: now,
	})
	if err != nil {
		return false, fmt.Errorf("deleting expired token %s: %w", rec.Key, err)
	}
	return true, nil
}
