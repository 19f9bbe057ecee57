package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/keyroute/store"
)

const keywordEffectivenessColumns = `tenant_id, intent_code, keyword, positive_count, negative_count, effectiveness_score,
	weight, specificity, source, last_matched_ts, version, created_ts, updated_ts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKeywordEffectiveness(row rowScanner) (*store.KeywordEffectiveness, error) {
	var k store.KeywordEffectiveness
	var source string
	if err := row.Scan(&k.TenantID, &k.IntentCode, &k.Keyword, &k.PositiveCount, &k.NegativeCount,
		&k.EffectivenessScore, &k.Weight, &k.Specificity, &source, &k.LastMatchedTs,
		&k.Version, &k.CreatedTs, &k.UpdatedTs); err != nil {
		return nil, err
	}
	k.Source = store.KeywordSource(source)
	return &k, nil
}

func (d *DB) GetKeywordEffectiveness(ctx context.Context, tenantID, intentCode, keyword string) (*store.KeywordEffectiveness, error) {
	query := `SELECT ` + keywordEffectivenessColumns + ` FROM keyword_effectiveness
		WHERE tenant_id = $1 AND intent_code = $2 AND keyword = $3`
	k, err := scanKeywordEffectiveness(d.db.QueryRowContext(ctx, query, tenantID, intentCode, keyword))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get keyword effectiveness")
	}
	return k, nil
}

func (d *DB) ListKeywordEffectiveness(ctx context.Context, find *store.FindKeywordEffectiveness) ([]*store.KeywordEffectiveness, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.TenantID; v != nil {
		where, args = append(where, "tenant_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.IntentCode; v != nil {
		where, args = append(where, "intent_code = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Keyword; v != nil {
		where, args = append(where, "keyword = "+placeholder(len(args)+1)), append(args, *v)
	}

	query := `SELECT ` + keywordEffectivenessColumns + ` FROM keyword_effectiveness
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY tenant_id, intent_code, keyword`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keyword effectiveness")
	}
	defer rows.Close()

	list := []*store.KeywordEffectiveness{}
	for rows.Next() {
		k, err := scanKeywordEffectiveness(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan keyword effectiveness")
		}
		list = append(list, k)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate keyword effectiveness")
	}
	return list, nil
}

func (d *DB) CreateKeywordEffectiveness(ctx context.Context, create *store.KeywordEffectiveness) (bool, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO keyword_effectiveness (` + keywordEffectivenessColumns + `)
		VALUES (` + placeholders(1, 10) + `, 1, $11, $12)
		ON CONFLICT (tenant_id, intent_code, keyword) DO NOTHING`
	result, err := d.db.ExecContext(ctx, stmt,
		create.TenantID, create.IntentCode, create.Keyword, create.PositiveCount, create.NegativeCount,
		create.EffectivenessScore, create.Weight, create.Specificity, string(create.Source),
		create.LastMatchedTs, now, now)
	if err != nil {
		return false, errors.Wrap(err, "failed to create keyword effectiveness")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return affected == 1, nil
}

func (d *DB) UpdateKeywordFeedback(ctx context.Context, update *store.UpdateKeywordFeedback) (bool, error) {
	stmt := `UPDATE keyword_effectiveness
		SET positive_count = $1, negative_count = $2, effectiveness_score = $3, last_matched_ts = $4,
			version = version + 1, updated_ts = $5
		WHERE tenant_id = $6 AND intent_code = $7 AND keyword = $8 AND version = $9`
	result, err := d.db.ExecContext(ctx, stmt,
		update.PositiveCount, update.NegativeCount, update.EffectivenessScore, update.LastMatchedTs,
		time.Now().Unix(), update.TenantID, update.IntentCode, update.Keyword, update.ExpectedVersion)
	if err != nil {
		return false, errors.Wrap(err, "failed to update keyword feedback")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return affected == 1, nil
}

func (d *DB) ListKeywordIntentCounts(ctx context.Context, find *store.FindKeywordIntentCount) ([]*store.KeywordIntentCount, error) {
	query := `SELECT keyword, COUNT(DISTINCT intent_code) FROM keyword_effectiveness
		WHERE keyword COLLATE "C" > $1 GROUP BY keyword ORDER BY keyword COLLATE "C"`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, find.AfterKeyword)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keyword intent counts")
	}
	defer rows.Close()

	list := []*store.KeywordIntentCount{}
	for rows.Next() {
		var c store.KeywordIntentCount
		if err := rows.Scan(&c.Keyword, &c.IntentCount); err != nil {
			return nil, errors.Wrap(err, "failed to scan keyword intent count")
		}
		list = append(list, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate keyword intent counts")
	}
	return list, nil
}

func (d *DB) UpdateKeywordSpecificity(ctx context.Context, keyword string, specificity float64) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`UPDATE keyword_effectiveness SET specificity = $1 WHERE keyword = $2 AND specificity <> $1`,
		specificity, keyword)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to update specificity for %q", keyword)
	}
	return result.RowsAffected()
}

func (d *DB) DeleteIneffectiveKeywords(ctx context.Context, delete *store.DeleteIneffectiveKeywords) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM keyword_effectiveness WHERE tenant_id = $1 AND effectiveness_score < $2 AND negative_count >= $3`,
		delete.TenantID, delete.ScoreThreshold, delete.MinNegative)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete ineffective keywords")
	}
	return result.RowsAffected()
}

func (d *DB) ListKeywordTenants(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM keyword_effectiveness WHERE tenant_id <> $1 ORDER BY tenant_id`,
		store.GlobalTenantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keyword tenants")
	}
	defer rows.Close()

	tenants := []string{}
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, errors.Wrap(err, "failed to scan tenant")
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}
