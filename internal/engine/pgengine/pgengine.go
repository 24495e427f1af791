// Package pgengine is a wide-column-style backend for engine.Engine built
// on Postgres. It emulates a Cassandra/Scylla counter-table design (see
// original_source/src/scylla/mod.rs for the real thing) with
// pgx/pgxpool, the SQL driver this corpus actually depends on, using
// "INSERT ... ON CONFLICT DO UPDATE" in place of native counters.
//
// pgengine never runs synchronously from RegisterUserTag: callers are
// expected to front it with internal/engine/ingestbuf, which batches
// writes off a Redis list. pgengine itself stays a plain, directly
// testable SQL layer — RegisterUserTag here is the per-tag write the
// buffer's flusher calls once per batched item.
package pgengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/allezon/tagengine/internal/engine"
	"github.com/allezon/tagengine/pkg/tagtypes"
)

// schema creates every table this backend needs, idempotently. Unlike
// db/migrate's versioned migrations, there is nothing to roll forward
// here: the backend only ever needs the current shape of these tables,
// so plain CREATE TABLE IF NOT EXISTS is enough.
const schema = `
CREATE TABLE IF NOT EXISTS user_tags (
	cookie      text        NOT NULL,
	action      text        NOT NULL,
	tag_time    timestamptz NOT NULL,
	country     text        NOT NULL,
	device      text        NOT NULL,
	origin      text        NOT NULL,
	product_id  text        NOT NULL,
	brand_id    text        NOT NULL,
	category_id text        NOT NULL,
	price       bigint      NOT NULL
);
CREATE INDEX IF NOT EXISTS user_tags_cookie_action_time_idx
	ON user_tags (cookie, action, tag_time DESC);

CREATE TABLE IF NOT EXISTS bucket_brand_category (
	minute      timestamptz NOT NULL,
	action      text        NOT NULL,
	brand_id    text        NOT NULL,
	category_id text        NOT NULL,
	count       bigint      NOT NULL DEFAULT 0,
	sum_price   bigint      NOT NULL DEFAULT 0,
	PRIMARY KEY (minute, action, brand_id, category_id)
);

CREATE TABLE IF NOT EXISTS bucket_origin_brand_category (
	minute      timestamptz NOT NULL,
	action      text        NOT NULL,
	origin      text        NOT NULL,
	brand_id    text        NOT NULL,
	category_id text        NOT NULL,
	count       bigint      NOT NULL DEFAULT 0,
	sum_price   bigint      NOT NULL DEFAULT 0,
	PRIMARY KEY (minute, action, origin, brand_id, category_id)
);

CREATE TABLE IF NOT EXISTS bucket_category_origin (
	minute      timestamptz NOT NULL,
	action      text        NOT NULL,
	category_id text        NOT NULL,
	origin      text        NOT NULL,
	count       bigint      NOT NULL DEFAULT 0,
	sum_price   bigint      NOT NULL DEFAULT 0,
	PRIMARY KEY (minute, action, category_id, origin)
);
`

// Engine is the Postgres-backed wide-column-style engine.
type Engine struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) *Engine {
	return &Engine{pool: pool}
}

// NewFromDSN connects to dsn and ensures the schema exists.
func NewFromDSN(ctx context.Context, dsn string) (*Engine, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgengine: connecting: %w", err)
	}
	e := &Engine{pool: pool}
	if err := e.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return e, nil
}

// EnsureSchema creates every table this backend needs if absent.
func (e *Engine) EnsureSchema(ctx context.Context) error {
	if _, err := e.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgengine: ensuring schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (e *Engine) Close() { e.pool.Close() }

var _ engine.Engine = (*Engine)(nil)

// RegisterUserTag writes one tag into user_tags and increments all three
// counter tables in one transaction, mirroring the "single counter
// batch" spec.md describes for ingest.
func (e *Engine) RegisterUserTag(ctx context.Context, tag tagtypes.UserTag) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgengine: RegisterUserTag: beginning tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	minute := tagtypes.MinuteOf(tag.Time.Time()).Inner()
	price := int64(tag.ProductInfo.Price)

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_tags (cookie, action, tag_time, country, device, origin, product_id, brand_id, category_id, price)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		tag.Cookie, string(tag.Action), tag.Time.Time(), tag.Country, string(tag.Device),
		tag.Origin, tag.ProductInfo.ProductID, tag.ProductInfo.BrandID, tag.ProductInfo.CategoryID, price,
	); err != nil {
		return fmt.Errorf("pgengine: RegisterUserTag: inserting user_tags: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO bucket_brand_category (minute, action, brand_id, category_id, count, sum_price)
		VALUES ($1,$2,$3,$4,1,$5)
		ON CONFLICT (minute, action, brand_id, category_id)
		DO UPDATE SET count = bucket_brand_category.count + 1, sum_price = bucket_brand_category.sum_price + $5`,
		minute, string(tag.Action), tag.ProductInfo.BrandID, tag.ProductInfo.CategoryID, price,
	); err != nil {
		return fmt.Errorf("pgengine: RegisterUserTag: updating bucket_brand_category: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO bucket_origin_brand_category (minute, action, origin, brand_id, category_id, count, sum_price)
		VALUES ($1,$2,$3,$4,$5,1,$6)
		ON CONFLICT (minute, action, origin, brand_id, category_id)
		DO UPDATE SET count = bucket_origin_brand_category.count + 1, sum_price = bucket_origin_brand_category.sum_price + $6`,
		minute, string(tag.Action), tag.Origin, tag.ProductInfo.BrandID, tag.ProductInfo.CategoryID, price,
	); err != nil {
		return fmt.Errorf("pgengine: RegisterUserTag: updating bucket_origin_brand_category: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO bucket_category_origin (minute, action, category_id, origin, count, sum_price)
		VALUES ($1,$2,$3,$4,1,$5)
		ON CONFLICT (minute, action, category_id, origin)
		DO UPDATE SET count = bucket_category_origin.count + 1, sum_price = bucket_category_origin.sum_price + $5`,
		minute, string(tag.Action), tag.ProductInfo.CategoryID, tag.Origin, price,
	); err != nil {
		return fmt.Errorf("pgengine: RegisterUserTag: updating bucket_category_origin: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgengine: RegisterUserTag: committing: %w", err)
	}
	return nil
}

// LastTagsByCookie reads the 200 newest views and buys for cookie in
// window, evicts anything older, and returns the newest limit of what's
// left. The delete is not required for correctness — it is a
// space-reclamation optimization grounded on scylla/mod.rs's
// delete_old_tags_by_cookie — so its failure is logged, not propagated.
func (e *Engine) LastTagsByCookie(ctx context.Context, cookie string, window tagtypes.TimeRange, limit int) (tagtypes.UserProfile, error) {
	if err := engine.ValidateLimit("LastTagsByCookie", limit); err != nil {
		return tagtypes.UserProfile{}, err
	}

	// Always read (and evict against) the full 200-newest window, the
	// way scylla/mod.rs's select_last_tags_by_cookie does: computing
	// oldest from a limit-truncated read would delete tags that are
	// still within the 200-newest bound for a future, larger-limit
	// query. limit is applied to the response only, after eviction.
	views, err := e.selectTagsByAction(ctx, cookie, tagtypes.ActionView, window)
	if err != nil {
		return tagtypes.UserProfile{}, err
	}
	buys, err := e.selectTagsByAction(ctx, cookie, tagtypes.ActionBuy, window)
	if err != nil {
		return tagtypes.UserProfile{}, err
	}

	e.lazyEvict(ctx, cookie, tagtypes.ActionView, views)
	e.lazyEvict(ctx, cookie, tagtypes.ActionBuy, buys)

	return tagtypes.UserProfile{Cookie: cookie, Views: truncate(views, limit), Buys: truncate(buys, limit)}, nil
}

// truncate returns the newest-first tags up to limit. tags is already
// sorted newest-first by the query's ORDER BY tag_time DESC.
func truncate(tags []tagtypes.UserTag, limit int) []tagtypes.UserTag {
	if len(tags) > limit {
		return tags[:limit]
	}
	return tags
}

func (e *Engine) selectTagsByAction(ctx context.Context, cookie string, action tagtypes.Action, window tagtypes.TimeRange) ([]tagtypes.UserTag, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT tag_time, country, device, origin, product_id, brand_id, category_id, price
		FROM user_tags
		WHERE cookie = $1 AND action = $2 AND tag_time >= $3 AND tag_time < $4
		ORDER BY tag_time DESC
		LIMIT $5`,
		cookie, string(action), window.From, window.To, tagtypes.MaxTagsPerCookie,
	)
	if err != nil {
		return nil, fmt.Errorf("pgengine: LastTagsByCookie: querying %s: %w", action, err)
	}
	defer rows.Close()

	var tags []tagtypes.UserTag
	for rows.Next() {
		var t tagtypes.UserTag
		var tagTime time.Time
		var device, origin string
		if err := rows.Scan(&tagTime, &t.Country, &device, &origin, &t.ProductInfo.ProductID, &t.ProductInfo.BrandID, &t.ProductInfo.CategoryID, &t.ProductInfo.Price); err != nil {
			return nil, fmt.Errorf("pgengine: LastTagsByCookie: scanning row: %w", err)
		}
		t.Time = tagtypes.NewUtcTime(tagTime)
		t.Device = tagtypes.Device(device)
		t.Origin = origin
		t.Cookie = cookie
		t.Action = action
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgengine: LastTagsByCookie: iterating rows: %w", err)
	}
	return tags, nil
}

func (e *Engine) lazyEvict(ctx context.Context, cookie string, action tagtypes.Action, tags []tagtypes.UserTag) {
	if len(tags) == 0 {
		return
	}
	oldest := tags[len(tags)-1].Time.Time()
	if _, err := e.pool.Exec(ctx, `
		DELETE FROM user_tags WHERE cookie = $1 AND action = $2 AND tag_time < $3`,
		cookie, string(action), oldest,
	); err != nil {
		// Non-fatal: this is a retention optimization, not a correctness
		// requirement. Callers of LastTagsByCookie do not see this error.
		slog.Default().Warn("pgengine: lazy eviction failed",
			"op", "LastTagsByCookie", "cookie", cookie, "action", string(action), "error", err)
	}
}

// SelectBucketStats runs one point/SUM query per minute per the
// filter-to-table routing table (spec.md §4.3), batched across the
// minute range so the whole call is a single round trip.
func (e *Engine) SelectBucketStats(ctx context.Context, window tagtypes.TimeRange, action tagtypes.Action, filter tagtypes.BucketFilter) ([]tagtypes.Bucket, error) {
	if err := engine.ValidateAggregateRange("SelectBucketStats", window); err != nil {
		return nil, err
	}

	from := tagtypes.MinuteOf(window.From)
	to := tagtypes.MinuteOf(window.To)

	var minutes []tagtypes.UtcMinute
	for m := from; m.Before(to); m = m.Next() {
		minutes = append(minutes, m)
	}

	query, args := bucketQuery(filter)

	batch := &pgx.Batch{}
	for _, m := range minutes {
		params := append([]any{m.Inner(), string(action)}, args...)
		batch.Queue(query, params...)
	}

	br := e.pool.SendBatch(ctx, batch)
	defer br.Close()

	buckets := make([]tagtypes.Bucket, len(minutes))
	for i, m := range minutes {
		var count *int64
		var sumPrice *int64
		if err := br.QueryRow().Scan(&count, &sumPrice); err != nil {
			return nil, fmt.Errorf("pgengine: SelectBucketStats: minute %s: %w", m.Format(), err)
		}
		b := tagtypes.Bucket{Minute: m}
		if count != nil {
			b.Count = uint32(*count)
		}
		if sumPrice != nil {
			b.SumPrice = *sumPrice
		}
		buckets[i] = b
	}
	return buckets, nil
}

// bucketQuery returns the parameterized SUM query and its filter-value
// arguments (beyond minute, action) for the table the given filter
// routes to, per spec.md's filter-to-table selection rule.
func bucketQuery(filter tagtypes.BucketFilter) (string, []any) {
	switch {
	case filter.Origin != nil && filter.CategoryID != nil && filter.BrandID == nil:
		return `SELECT COALESCE(SUM(count),0), COALESCE(SUM(sum_price),0) FROM bucket_category_origin
			WHERE minute = $1 AND action = $2 AND category_id = $3 AND origin = $4`,
			[]any{*filter.CategoryID, *filter.Origin}

	case filter.Origin != nil:
		q := `SELECT COALESCE(SUM(count),0), COALESCE(SUM(sum_price),0) FROM bucket_origin_brand_category
			WHERE minute = $1 AND action = $2 AND origin = $3`
		args := []any{*filter.Origin}
		if filter.BrandID != nil {
			q += fmt.Sprintf(" AND brand_id = $%d", len(args)+3)
			args = append(args, *filter.BrandID)
		}
		if filter.CategoryID != nil {
			q += fmt.Sprintf(" AND category_id = $%d", len(args)+3)
			args = append(args, *filter.CategoryID)
		}
		return q, args

	default:
		q := `SELECT COALESCE(SUM(count),0), COALESCE(SUM(sum_price),0) FROM bucket_brand_category
			WHERE minute = $1 AND action = $2`
		var args []any
		if filter.BrandID != nil {
			q += fmt.Sprintf(" AND brand_id = $%d", len(args)+3)
			args = append(args, *filter.BrandID)
		}
		if filter.CategoryID != nil {
			q += fmt.Sprintf(" AND category_id = $%d", len(args)+3)
			args = append(args, *filter.CategoryID)
		}
		return q, args
	}
}

// Clear truncates every table this backend owns. Test-only.
func (e *Engine) Clear(ctx context.Context) error {
	_, err := e.pool.Exec(ctx, `TRUNCATE user_tags, bucket_brand_category, bucket_origin_brand_category, bucket_category_origin`)
	if err != nil {
		return fmt.Errorf("pgengine: Clear: %w", err)
	}
	return nil
}
