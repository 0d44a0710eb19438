package store

import (
	"context"
	"fmt"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"
)

// SeedDefaults 确保设置行与 (etc, unknown) 兜底费率存在。
//
// 已存在的记录保持不变，管理员的修改不会被覆盖。
func (s *Store) SeedDefaults(ctx context.Context) error {
	defaults := engine.DefaultSettings()
	settings := model.Settings{ID: model.SettingsRowID}
	if err := s.db.WithContext(ctx).
		Attrs(model.Settings{MinProfit: defaults.MinProfit, SafetyBufferRate: defaults.SafetyBuffer}).
		FirstOrCreate(&settings, model.Settings{ID: model.SettingsRowID}).Error; err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	rate := engine.DefaultRate()
	rule := model.FeeRule{}
	if err := s.db.WithContext(ctx).
		Where(model.FeeRule{Market: engine.FallbackMarket, Category: engine.UnknownCategory}).
		Attrs(model.FeeRule{BaseRate: rate.Base, CategoryRate: rate.Category}).
		FirstOrCreate(&rule).Error; err != nil {
		return fmt.Errorf("seed fallback fee rule: %w", err)
	}
	return nil
}
