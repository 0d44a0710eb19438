package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/config"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("record not found")

const defaultBatchSize = 500

// Open 按配置的驱动打开数据库连接。
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverMySQL, "":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// Migrate 创建或更新表结构。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Item{}, &model.FeeRule{}, &model.Settings{}, &model.DecisionLog{})
}

// Store 基于 gorm 的商品、设置、费率与决策日志存储。
type Store struct {
	db        *gorm.DB
	batchSize int
}

// New 创建 Store。batchSize <= 0 时使用默认值 500。
func New(db *gorm.DB, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Store{db: db, batchSize: batchSize}
}

// DB 返回底层连接。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// Close 关闭底层连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListItems 按 ID 升序分批读取全部商品。
func (s *Store) ListItems(ctx context.Context) ([]model.Item, error) {
	var (
		all    []model.Item
		lastID uint
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var batch []model.Item
		if err := s.db.WithContext(ctx).
			Where("id > ?", lastID).
			Order("id ASC").
			Limit(s.batchSize).
			Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("list items after %d: %w", lastID, err)
		}
		all = append(all, batch...)
		if len(batch) < s.batchSize {
			return all, nil
		}
		lastID = batch[len(batch)-1].ID
	}
}

// ListItemsByUser 返回某个用户的商品，最新在前。
func (s *Store) ListItemsByUser(ctx context.Context, userID string) ([]model.Item, error) {
	var items []model.Item
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list items for user: %w", err)
	}
	return items, nil
}

// GetItem 按 ID 读取商品。
func (s *Store) GetItem(ctx context.Context, id uint) (*model.Item, error) {
	var item model.Item
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	return &item, nil
}

// CreateItem 插入一件已带派生字段的商品。
func (s *Store) CreateItem(ctx context.Context, item *model.Item) error {
	return s.db.WithContext(ctx).Create(item).Error
}

// SaveItem 整行保存（原始字段与派生字段一起写入）。
func (s *Store) SaveItem(ctx context.Context, item *model.Item) error {
	return s.db.WithContext(ctx).Save(item).Error
}

// UpdateItem 只覆盖派生字段，单条 UPDATE 语句保证整组替换。
func (s *Store) UpdateItem(ctx context.Context, id uint, d engine.Derived) error {
	res := s.db.WithContext(ctx).Model(&model.Item{}).Where("id = ?", id).Updates(model.DerivedColumns(d))
	if res.Error != nil {
		return fmt.Errorf("update item %d: %w", id, res.Error)
	}
	return nil
}

// InsertTransitionLog 追加一条决策变化记录。
func (s *Store) InsertTransitionLog(ctx context.Context, entry *model.DecisionLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert decision log for item %d: %w", entry.ItemID, err)
	}
	return nil
}

// ListTransitionLogs 返回某件商品最近的决策变化，最新在前。
func (s *Store) ListTransitionLogs(ctx context.Context, itemID uint, limit int) ([]model.DecisionLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []model.DecisionLog
	if err := s.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list decision logs: %w", err)
	}
	return logs, nil
}

// GetSettings 读取全局设置行，不存在时返回 ErrNotFound。
func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	var st model.Settings
	if err := s.db.WithContext(ctx).First(&st, model.SettingsRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Settings{}, ErrNotFound
		}
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return st, nil
}

// SaveSettings 写入全局设置（调用方负责校验）。
func (s *Store) SaveSettings(ctx context.Context, st *model.Settings) error {
	st.ID = model.SettingsRowID
	st.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"min_profit", "safety_buffer_rate", "updated_at"}),
	}).Create(st).Error
}

// GetRule 按归一化后的键精确查找费率，不存在时返回 nil, nil。
func (s *Store) GetRule(ctx context.Context, market, category string) (*model.FeeRule, error) {
	var rule model.FeeRule
	err := s.db.WithContext(ctx).Where("market = ? AND category = ?", market, category).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fee rule %s/%s: %w", market, category, err)
	}
	return &rule, nil
}

// ListRules 返回全部费率规则。
func (s *Store) ListRules(ctx context.Context) ([]model.FeeRule, error) {
	var rules []model.FeeRule
	if err := s.db.WithContext(ctx).Order("market ASC, category ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list fee rules: %w", err)
	}
	return rules, nil
}

// UpsertRule 以 (market, category) 为键插入或更新费率。
func (s *Store) UpsertRule(ctx context.Context, rule *model.FeeRule) error {
	rule.Market, rule.Category = engine.Normalize(rule.Market, rule.Category)
	rule.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_rate", "category_rate", "updated_at"}),
	}).Create(rule).Error
}

// RuleLookup 把 Store 适配为逐次查询数据库的 engine.RuleTable。
type RuleLookup struct {
	ctx   context.Context
	store *Store
}

// Lookup 返回绑定 ctx 的 RuleLookup。
func (s *Store) Lookup(ctx context.Context) RuleLookup {
	return RuleLookup{ctx: ctx, store: s}
}

// Rule 实现 engine.RuleTable。
func (l RuleLookup) Rule(market, category string) (engine.Rate, bool, error) {
	rule, err := l.store.GetRule(l.ctx, market, category)
	if err != nil {
		return engine.Rate{}, false, err
	}
	if rule == nil {
		return engine.Rate{}, false, nil
	}
	return engine.Rate{Base: rule.BaseRate, Category: rule.CategoryRate}, true, nil
}
