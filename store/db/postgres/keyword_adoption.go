package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/keyroute/store"
)

const keywordAdoptionColumns = `intent_code, keyword, tenant_id, effectiveness_score, usage_count,
	is_disabled, disabled_reason, is_promoted, promoted_ts, created_ts, updated_ts`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listKeywordAdoptions(ctx context.Context, q queryer, query string, args ...any) ([]*store.KeywordAdoption, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keyword adoptions")
	}
	defer rows.Close()

	list := []*store.KeywordAdoption{}
	for rows.Next() {
		var a store.KeywordAdoption
		if err := rows.Scan(&a.IntentCode, &a.Keyword, &a.TenantID, &a.EffectivenessScore, &a.UsageCount,
			&a.IsDisabled, &a.DisabledReason, &a.IsPromoted, &a.PromotedTs, &a.CreatedTs, &a.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan keyword adoption")
		}
		list = append(list, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate keyword adoptions")
	}
	return list, nil
}

func (d *DB) TouchKeywordAdoption(ctx context.Context, touch *store.TouchKeywordAdoption) error {
	now := time.Now().Unix()
	stmt := `INSERT INTO keyword_factory_adoption (intent_code, keyword, tenant_id, effectiveness_score, usage_count, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (intent_code, keyword, tenant_id) DO UPDATE SET
			usage_count = keyword_factory_adoption.usage_count + 1,
			effectiveness_score = EXCLUDED.effectiveness_score,
			updated_ts = EXCLUDED.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt, touch.IntentCode, touch.Keyword, touch.TenantID,
		touch.EffectivenessScore, now); err != nil {
		return errors.Wrap(err, "failed to touch keyword adoption")
	}
	return nil
}

func (d *DB) UpdateKeywordAdoptionDisabled(ctx context.Context, update *store.UpdateKeywordAdoptionDisabled) (bool, error) {
	now := time.Now().Unix()
	var result sql.Result
	var err error
	if update.Disabled {
		result, err = d.db.ExecContext(ctx, `INSERT INTO keyword_factory_adoption
			(intent_code, keyword, tenant_id, is_disabled, disabled_reason, created_ts, updated_ts)
			VALUES ($1, $2, $3, TRUE, $4, $5, $5)
			ON CONFLICT (intent_code, keyword, tenant_id) DO UPDATE SET
				is_disabled = TRUE, disabled_reason = EXCLUDED.disabled_reason, updated_ts = EXCLUDED.updated_ts`,
			update.IntentCode, update.Keyword, update.TenantID, update.Reason, now)
	} else {
		result, err = d.db.ExecContext(ctx, `UPDATE keyword_factory_adoption
			SET is_disabled = FALSE, disabled_reason = '', updated_ts = $1
			WHERE intent_code = $2 AND keyword = $3 AND tenant_id = $4`,
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
	return listKeywordAdoptions(ctx, d.db, `SELECT `+keywordAdoptionColumns+` FROM keyword_factory_adoption
		WHERE intent_code = $1 AND keyword = $2 ORDER BY tenant_id`, find.IntentCode, find.Keyword)
}

func (d *DB) ListPromotionCandidates(ctx context.Context, minFactories int) ([]*store.PromotionCandidate, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT intent_code, keyword, COUNT(*) FROM keyword_factory_adoption
		WHERE is_disabled = FALSE
		GROUP BY intent_code, keyword
		HAVING COUNT(*) >= $1 AND COUNT(*) FILTER (WHERE is_promoted = FALSE) > 0
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

// PromoteKeyword locks the pair's adoption rows with SELECT ... FOR UPDATE so a
// concurrent promotion of the same pair waits and then sees the promoted flags.
func (d *DB) PromoteKeyword(ctx context.Context, promote *store.PromoteKeyword) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin promotion")
	}
	defer func() { _ = tx.Rollback() }()

	adoptions, err := listKeywordAdoptions(ctx, tx, `SELECT `+keywordAdoptionColumns+` FROM keyword_factory_adoption
		WHERE intent_code = $1 AND keyword = $2 ORDER BY tenant_id FOR UPDATE`, promote.IntentCode, promote.Keyword)
	if err != nil {
		return false, err
	}
	weight, tenants, ok := promote.Fold(adoptions)
	if !ok {
		return false, nil
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `INSERT INTO keyword_effectiveness (`+keywordEffectivenessColumns+`)
		VALUES ($1, $2, $3, 0, 0, $4, $4, 1.0, $5, 0, 1, $6, $6)
		ON CONFLICT (tenant_id, intent_code, keyword) DO UPDATE SET
			weight = EXCLUDED.weight, source = EXCLUDED.source,
			version = keyword_effectiveness.version + 1, updated_ts = EXCLUDED.updated_ts`,
		store.GlobalTenantID, promote.IntentCode, promote.Keyword, weight,
		string(store.KeywordSourcePromoted), now); err != nil {
		return false, errors.Wrap(err, "failed to upsert global keyword")
	}

	if len(tenants) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE keyword_factory_adoption
			SET is_promoted = TRUE, promoted_ts = $1, updated_ts = $1
			WHERE intent_code = $2 AND keyword = $3 AND tenant_id = ANY($4)`,
			now, promote.IntentCode, promote.Keyword, pq.Array(tenants)); err != nil {
			return false, errors.Wrap(err, "failed to mark adoptions promoted")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit promotion")
	}
	return true, nil
}
