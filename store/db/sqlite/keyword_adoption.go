package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/keyroute/store"
)

const keywordAdoptionColumns = `intent_code, keyword, tenant_id, effectiveness_score, usage_count,
	is_disabled, disabled_reason, is_promoted, promoted_ts, created_ts, updated_ts`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listKeywordAdoptions(ctx context.Context, q queryer, intentCode, keyword string) ([]*store.KeywordAdoption, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+keywordAdoptionColumns+` FROM keyword_factory_adoption
		WHERE intent_code = ? AND keyword = ? ORDER BY tenant_id`, intentCode, keyword)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keyword adoptions")
	}
	defer rows.Close()

	list := []*store.KeywordAdoption{}
	for rows.Next() {
		var a store.KeywordAdoption
		var disabled, promoted int
		if err := rows.Scan(&a.IntentCode, &a.Keyword, &a.TenantID, &a.EffectivenessScore, &a.UsageCount,
			&disabled, &a.DisabledReason, &promoted, &a.PromotedTs, &a.CreatedTs, &a.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan keyword adoption")
		}
		a.IsDisabled, a.IsPromoted = disabled == 1, promoted == 1
		list = append(list, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate keyword adoptions")
	}
	return list, nil
}

// TouchKeywordAdoption creates the adoption row on first use and afterwards
// bumps usage_count and refreshes the tenant-local score. Flags are never touched.
func (d *DB) TouchKeywordAdoption(ctx context.Context, touch *store.TouchKeywordAdoption) error {
	now := time.Now().Unix()
	stmt := `INSERT INTO keyword_factory_adoption (intent_code, keyword, tenant_id, effectiveness_score, usage_count, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (intent_code, keyword, tenant_id) DO UPDATE SET
			usage_count = keyword_factory_adoption.usage_count + 1,
			effectiveness_score = excluded.effectiveness_score,
			updated_ts = excluded.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt, touch.IntentCode, touch.Keyword, touch.TenantID,
		touch.EffectivenessScore, now, now); err != nil {
		return errors.Wrap(err, "failed to touch keyword adoption")
	}
	return nil
}

// UpdateKeywordAdoptionDisabled sets or clears the disabled flag. Disabling
// creates the row when the tenant never used the keyword; enabling only
// updates an existing row. It reports whether a row was written.
func (d *DB) UpdateKeywordAdoptionDisabled(ctx context.Context, update *store.UpdateKeywordAdoptionDisabled) (bool, error) {
	now := time.Now().Unix()
	var result sql.Result
	var err error
	if update.Disabled {
		result, err = d.db.ExecContext(ctx, `INSERT INTO keyword_factory_adoption
			(intent_code, keyword, tenant_id, is_disabled, disabled_reason, created_ts, updated_ts)
			VALUES (?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (intent_code, keyword, tenant_id) DO UPDATE SET
				is_disabled = 1, disabled_reason = excluded.disabled_reason, updated_ts = excluded.updated_ts`,
			update.IntentCode, update.Keyword, update.TenantID, update.Reason, now, now)
	} else {
		result, err = d.db.ExecContext(ctx, `UPDATE keyword_factory_adoption
			SET is_disabled = 0, disabled_reason = '', updated_ts = ?
			WHERE intent_code = ? AND keyword = ? AND tenant_id = ?`,
			now, update.IntentCode, update.Keyword, update.TenantID)
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to update keyword adoption disabled flag")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return affected > 0, nil
}

func (d *DB) ListKeywordAdoptions(ctx context.Context, find *store.FindKeywordAdoption) ([]*store.KeywordAdoption, error) {
	return listKeywordAdoptions(ctx, d.db, find.IntentCode, find.Keyword)
}

// ListPromotionCandidates groups non-disabled adoptions by pair and keeps the
// pairs with enough tenants and at least one adoption not yet promoted.
func (d *DB) ListPromotionCandidates(ctx context.Context, minFactories int) ([]*store.PromotionCandidate, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT intent_code, keyword, COUNT(*) FROM keyword_factory_adoption
		WHERE is_disabled = 0
		GROUP BY intent_code, keyword
		HAVING COUNT(*) >= ? AND SUM(CASE WHEN is_promoted = 1 THEN 0 ELSE 1 END) > 0
		ORDER BY intent_code, keyword`, minFactories)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list promotion candidates")
	}
	defer rows.Close()

	list := []*store.PromotionCandidate{}
	for rows.Next() {
		var c store.PromotionCandidate
		if err := rows.Scan(&c.IntentCode, &c.Keyword, &c.TenantCount); err != nil {
			return nil, errors.Wrap(err, "failed to scan promotion candidate")
		}
		list = append(list, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate promotion candidates")
	}
	return list, nil
}

// PromoteKeyword runs the fold over the pair's adoptions and applies its
// result in one transaction. The single pooled connection serializes
// concurrent promotions.
func (d *DB) PromoteKeyword(ctx context.Context, promote *store.PromoteKeyword) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin promotion")
	}
	defer func() { _ = tx.Rollback() }()

	adoptions, err := listKeywordAdoptions(ctx, tx, promote.IntentCode, promote.Keyword)
	if err != nil {
		return false, err
	}
	weight, tenants, ok := promote.Fold(adoptions)
	if !ok {
		return false, nil
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `INSERT INTO keyword_effectiveness (`+keywordEffectivenessColumns+`)
		VALUES (?, ?, ?, 0, 0, ?, ?, 1.0, ?, 0, 1, ?, ?)
		ON CONFLICT (tenant_id, intent_code, keyword) DO UPDATE SET
			weight = excluded.weight, source = excluded.source,
			version = keyword_effectiveness.version + 1, updated_ts = excluded.updated_ts`,
		store.GlobalTenantID, promote.IntentCode, promote.Keyword, weight, weight,
		string(store.KeywordSourcePromoted), now, now); err != nil {
		return false, errors.Wrap(err, "failed to upsert global keyword")
	}

	for _, tenant := range tenants {
		if _, err := tx.ExecContext(ctx, `UPDATE keyword_factory_adoption
			SET is_promoted = ?, promoted_ts = ?, updated_ts = ?
			WHERE intent_code = ? AND keyword = ? AND tenant_id = ?`,
			boolToInt(true), now, now, promote.IntentCode, promote.Keyword, tenant); err != nil {
			return false, errors.Wrapf(err, "failed to mark adoption promoted for tenant %s", tenant)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit promotion")
	}
	return true, nil
}
