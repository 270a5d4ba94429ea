package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/d3keep/internal/model"
)

// PostgresStore はPostgreSQLを使用した同期用ストア。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithinTx はトランザクションを開始してfnを実行し、成功時にコミットする。
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx SyncTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&postgresSyncTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListBuilds は全ビルドを作成日時の昇順で返す。
func (s *PostgresStore) ListBuilds(ctx context.Context) ([]*model.Build, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, url, created_at, updated_at
		 FROM builds
		 ORDER BY created_at ASC, url ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("ビルド一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var builds []*model.Build
	for rows.Next() {
		b := &model.Build{}
		if err := rows.Scan(&b.ID, &b.Title, &b.URL, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ビルドのスキャンに失敗しました: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ビルド一覧の読み込みに失敗しました: %w", err)
	}
	return builds, nil
}

type postgresSyncTx struct {
	tx *sql.Tx
}

func (t *postgresSyncTx) FindBuildByURL(ctx context.Context, url string) (*model.Build, error) {
	b := &model.Build{}
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, title, url, created_at, updated_at
		 FROM builds WHERE url = $1
		 ORDER BY created_at ASC
		 LIMIT 1`,
		url,
	).Scan(&b.ID, &b.Title, &b.URL, &b.CreatedAt, &b.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによるビルドの検索に失敗しました: %w", err)
	}
	return b, nil
}

func (t *postgresSyncTx) CreateBuild(ctx context.Context, build *model.Build) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO builds (id, title, url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		build.ID, build.Title, build.URL, build.CreatedAt, build.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ビルドの作成に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresSyncTx) UpdateBuildTitle(ctx context.Context, buildID, title string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE builds SET title = $1, updated_at = now() WHERE id = $2`,
		title, buildID,
	)
	if err != nil {
		return fmt.Errorf("ビルドタイトルの更新に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresSyncTx) ListProfilesByBuild(ctx context.Context, buildID string) ([]*model.Profile, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, build_id, name, class_name, seasonal, gender, paragon_level, created_at
		 FROM profiles WHERE build_id = $1
		 ORDER BY created_at ASC, name ASC`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("プロファイル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var profiles []*model.Profile
	for rows.Next() {
		p := &model.Profile{}
		var seasonal sql.NullBool
		var gender sql.NullString
		var paragon sql.NullInt64
		if err := rows.Scan(&p.ID, &p.BuildID, &p.Name, &p.ClassName, &seasonal, &gender, &paragon, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("プロファイルのスキャンに失敗しました: %w", err)
		}
		p.Seasonal = nullBoolPtr(seasonal)
		p.Gender = nullStringPtr(gender)
		p.ParagonLevel = nullIntPtr(paragon)
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("プロファイル一覧の読み込みに失敗しました: %w", err)
	}
	return profiles, nil
}

func (t *postgresSyncTx) CreateProfiles(ctx context.Context, profiles []*model.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO profiles (id, build_id, name, class_name, seasonal, gender, paragon_level, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	)
	if err != nil {
		return fmt.Errorf("プロファイル作成文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, p := range profiles {
		_, err := stmt.ExecContext(ctx,
			p.ID, p.BuildID, p.Name, p.ClassName,
			boolPtrValue(p.Seasonal), stringPtrValue(p.Gender), intPtrValue(p.ParagonLevel),
			p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("プロファイルの作成に失敗しました (name=%s): %w", p.Name, err)
		}
	}
	return nil
}

func (t *postgresSyncTx) ExistingItemIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM items WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("既存アイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("アイテムIDのスキャンに失敗しました: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既存アイテムの読み込みに失敗しました: %w", err)
	}
	return existing, nil
}

func (t *postgresSyncTx) CreateItems(ctx context.Context, items []*model.Item) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO items (id, name, type, quality, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
	)
	if err != nil {
		return fmt.Errorf("アイテム作成文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.Name, it.Type, it.Quality, it.CreatedAt); err != nil {
			return fmt.Errorf("アイテムの作成に失敗しました (id=%s): %w", it.ID, err)
		}
	}
	return nil
}

func (t *postgresSyncTx) ExistingUsageKeys(ctx context.Context, profileIDs []string) (map[model.UsageKey]bool, error) {
	existing := make(map[model.UsageKey]bool)
	if len(profileIDs) == 0 {
		return existing, nil
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT profile_id, item_id, slot, usage_context
		 FROM item_usages WHERE profile_id = ANY($1::uuid[])`,
		pq.Array(profileIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("既存の使用関係の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key model.UsageKey
		var slot, usageContext string
		if err := rows.Scan(&key.ProfileID, &key.ItemID, &slot, &usageContext); err != nil {
			return nil, fmt.Errorf("使用関係のスキャンに失敗しました: %w", err)
		}
		key.Slot = model.ItemSlot(slot)
		key.UsageContext = model.UsageContext(usageContext)
		existing[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既存の使用関係の読み込みに失敗しました: %w", err)
	}
	return existing, nil
}

func (t *postgresSyncTx) CreateItemUsages(ctx context.Context, usages []*model.ItemUsage) error {
	if len(usages) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO item_usages (id, profile_id, item_id, slot, usage_context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
	)
	if err != nil {
		return fmt.Errorf("使用関係作成文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, u := range usages {
		_, err := stmt.ExecContext(ctx,
			u.ID, u.ProfileID, u.ItemID, string(u.Slot), string(u.UsageContext), u.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("使用関係の作成に失敗しました (item=%s): %w", u.ItemID, err)
		}
	}
	return nil
}

// nullBoolPtr はsql.NullBoolをポインタに変換する。
func nullBoolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}

// nullStringPtr はsql.NullStringをポインタに変換する。
func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullIntPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func boolPtrValue(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func stringPtrValue(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func intPtrValue(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
