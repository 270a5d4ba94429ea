package buildsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/d3keep/internal/model"
	"github.com/hitoshi/d3keep/internal/repository"
)

// SyncProfilesToDatabase はバンドルごとに1トランザクションで永続化する。
// 既存のビルド、プロファイル、アイテム、使用関係は重複して作成しない。
// あるバンドルでエラーが発生した場合、それまでにコミットした分の集計とエラーを返す。
func (s *Service) SyncProfilesToDatabase(ctx context.Context, bundles []model.GuideBundle) (model.BuildSyncSummary, error) {
	var total model.BuildSyncSummary

	for _, b := range bundles {
		var summary model.BuildSyncSummary
		err := s.store.WithinTx(ctx, func(tx repository.SyncTx) error {
			var err error
			summary, err = s.syncBundle(ctx, tx, b)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("バンドルの同期に失敗しました (url=%s): %w", b.URL, err)
		}
		total.Add(summary)
	}
	return total, nil
}

// pendingUsage はプロファイルIDを解決済みの使用関係。
type pendingUsage struct {
	profileID string
	usage     model.BuildProfileItems
}

func (s *Service) syncBundle(ctx context.Context, tx repository.SyncTx, b model.GuideBundle) (model.BuildSyncSummary, error) {
	var summary model.BuildSyncSummary
	now := s.now()

	// (a) ビルド
	build, err := tx.FindBuildByURL(ctx, b.URL)
	if err != nil {
		return summary, err
	}
	switch {
	case build == nil:
		build = &model.Build{
			ID:        s.newID(),
			Title:     b.Name,
			URL:       b.URL,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateBuild(ctx, build); err != nil {
			return summary, err
		}
		summary.BuildsCreated++
	case build.Title != b.Name:
		if err := tx.UpdateBuildTitle(ctx, build.ID, b.Name); err != nil {
			return summary, err
		}
		summary.BuildsUpdated++
	}

	// (b) プロファイル
	existing, err := tx.ListProfilesByBuild(ctx, build.ID)
	if err != nil {
		return summary, err
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[profileKey(p.Name)] = true
	}

	var newProfiles []*model.Profile
	for _, pd := range b.Profiles {
		key := profileKey(pd.Name)
		if known[key] {
			continue
		}
		known[key] = true
		newProfiles = append(newProfiles, &model.Profile{
			ID:           s.newID(),
			BuildID:      build.ID,
			Name:         pd.Name,
			ClassName:    pd.ClassName,
			Seasonal:     pd.Seasonal,
			Gender:       pd.Gender,
			ParagonLevel: pd.ParagonLevel,
			CreatedAt:    now,
		})
	}
	if err := tx.CreateProfiles(ctx, newProfiles); err != nil {
		return summary, err
	}
	summary.ProfilesCreated = len(newProfiles)

	// (c) 名前からプロファイルIDへの対応
	all, err := tx.ListProfilesByBuild(ctx, build.ID)
	if err != nil {
		return summary, err
	}
	profileIDs := make(map[string]string, len(all))
	for _, p := range all {
		if _, ok := profileIDs[profileKey(p.Name)]; !ok {
			profileIDs[profileKey(p.Name)] = p.ID
		}
	}

	// (d) 使用関係のプロファイル解決
	var pending []pendingUsage
	var itemIDs []string
	seenItem := make(map[string]bool)
	for _, u := range b.Usages {
		pid, ok := profileIDs[profileKey(u.ProfileName)]
		if !ok {
			s.logger.Warn("未知のプロファイルを参照する使用関係を破棄します",
				slog.String("build_url", b.URL),
				slog.String("profile", u.ProfileName),
				slog.String("item_id", u.ItemID),
			)
			continue
		}
		pending = append(pending, pendingUsage{profileID: pid, usage: u})
		if !seenItem[u.ItemID] {
			seenItem[u.ItemID] = true
			itemIDs = append(itemIDs, u.ItemID)
		}
	}

	// (e) アイテム
	available, err := tx.ExistingItemIDs(ctx, itemIDs)
	if err != nil {
		return summary, err
	}
	var newItems []*model.Item
	for _, id := range itemIDs {
		if available[id] {
			continue
		}
		meta, ok := s.items.GetItem(id)
		if !ok || !meta.Complete() {
			s.logger.Warn("アイテムのメタデータが不完全なためスキップします",
				slog.String("build_url", b.URL),
				slog.String("item_id", id),
				slog.Bool("found", ok),
			)
			continue
		}
		newItems = append(newItems, &model.Item{
			ID:        id,
			Name:      *meta.Name,
			Type:      *meta.Type,
			Quality:   *meta.Quality,
			CreatedAt: now,
		})
		available[id] = true
	}
	if err := tx.CreateItems(ctx, newItems); err != nil {
		return summary, err
	}
	summary.ItemsCreated = len(newItems)

	// (f) 使用関係
	usedProfiles := make([]string, 0, len(profileIDs))
	seenProfile := make(map[string]bool)
	for _, p := range pending {
		if !seenProfile[p.profileID] {
			seenProfile[p.profileID] = true
			usedProfiles = append(usedProfiles, p.profileID)
		}
	}
	keys, err := tx.ExistingUsageKeys(ctx, usedProfiles)
	if err != nil {
		return summary, err
	}

	var newUsages []*model.ItemUsage
	for _, p := range pending {
		if !available[p.usage.ItemID] {
			continue
		}
		usage := &model.ItemUsage{
			ID:           s.newID(),
			ProfileID:    p.profileID,
			ItemID:       p.usage.ItemID,
			Slot:         p.usage.Slot,
			UsageContext: p.usage.UsageContext,
			CreatedAt:    now,
		}
		key := usage.Key()
		if keys[key] {
			continue
		}
		keys[key] = true
		newUsages = append(newUsages, usage)
	}
	if err := tx.CreateItemUsages(ctx, newUsages); err != nil {
		return summary, err
	}
	summary.UsagesCreated = len(newUsages)

	return summary, nil
}

// profileKey はプロファイル名の比較用キー。大文字小文字を区別しない。
func profileKey(name string) string {
	return strings.ToLower(name)
}
