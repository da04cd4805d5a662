package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prsnl-app/prsnl/internal/db"
	"github.com/prsnl-app/prsnl/pkg/models"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint errors.
const uniqueViolation = "23505"

// ItemStore provides item-related database operations using GORM.
type ItemStore struct {
	store *Store
	gdb   *gorm.DB
	rawDB *sql.DB
}

// NewItemStore creates a new item store.
func NewItemStore(store *Store) *ItemStore {
	return &ItemStore{
		store: store,
		gdb:   store.DB,
		rawDB: store.GetRawDB(),
	}
}

// CreateItem stores a new item together with its tags.
func (s *ItemStore) CreateItem(ctx context.Context, item *models.Item) error {
	dbItem := &Item{
		ID:                 item.ID,
		Type:               string(item.Type),
		Status:             string(item.Status),
		Title:              item.Title,
		Summary:            item.Summary,
		Content:            item.Content,
		RawContent:         item.RawContent,
		URL:                item.URL,
		ContentFingerprint: item.ContentFingerprint,
		Metadata:           item.Metadata,
		CreatedAt:          item.CreatedAt,
		UpdatedAt:          item.UpdatedAt,
	}

	err := s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		if err := tx.Create(dbItem).Error; err != nil {
			return err
		}
		return replaceTagsTx(tx, dbItem.ID, item.Tags)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("item with url %q: %w", item.URL.String, db.ErrConflict)
		}
		return fmt.Errorf("create item: %w", err)
	}

	item.ID = dbItem.ID
	item.CreatedAt = dbItem.CreatedAt
	item.UpdatedAt = dbItem.UpdatedAt
	return nil
}

// GetItemByID retrieves an item by its ID, including tags.
func (s *ItemStore) GetItemByID(ctx context.Context, id string) (*models.Item, error) {
	var dbItem Item
	err := s.gdb.WithContext(ctx).First(&dbItem, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	item := toModelItem(&dbItem)
	item.Tags, err = s.GetItemTags(ctx, id)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// TouchItem bumps access_count and accessed_at. Retrieval tracking only;
// updated_at is left alone so content edits stay distinguishable.
func (s *ItemStore) TouchItem(ctx context.Context, id string) error {
	return s.gdb.WithContext(ctx).
		Model(&Item{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"access_count": gorm.Expr("access_count + 1"),
			"accessed_at":  time.Now().UTC(),
		}).Error
}

// GetItemByURL retrieves an item by its normalized URL.
func (s *ItemStore) GetItemByURL(ctx context.Context, normalizedURL string) (*models.Item, error) {
	var dbItem Item
	err := s.gdb.WithContext(ctx).First(&dbItem, "url = ?", normalizedURL).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelItem(&dbItem), nil
}

// GetItemByFingerprint retrieves an item by its content fingerprint.
// When several items share a fingerprint the most recent wins.
func (s *ItemStore) GetItemByFingerprint(ctx context.Context, fingerprint string) (*models.Item, error) {
	var dbItem Item
	err := s.gdb.WithContext(ctx).
		Where("content_fingerprint = ?", fingerprint).
		Order("created_at DESC").
		First(&dbItem).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModelItem(&dbItem), nil
}

// ListItems retrieves items matching the filter, newest first, with the
// total count for pagination.
func (s *ItemStore) ListItems(ctx context.Context, filter db.ItemFilter) ([]*models.Item, int64, error) {
	query := s.gdb.WithContext(ctx).Model(&Item{})

	if filter.Type != "" {
		query = query.Where("items.type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		query = query.Where("items.status = ?", string(filter.Status))
	}
	if filter.Tag != "" {
		query = query.
			Joins("JOIN item_tags ON item_tags.item_id = items.id").
			Joins("JOIN tags ON tags.id = item_tags.tag_id").
			Where("tags.name = ?", strings.ToLower(filter.Tag))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > MaxPaginationLimit {
		limit = 50
	}

	var dbItems []Item
	err := query.
		Order("items.created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&dbItems).Error
	if err != nil {
		return nil, 0, err
	}

	return toModelItems(dbItems), total, nil
}

// GetItemsByIDs retrieves items by a list of IDs. Missing IDs are skipped.
func (s *ItemStore) GetItemsByIDs(ctx context.Context, ids []string) ([]*models.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var dbItems []Item
	err := s.gdb.WithContext(ctx).Where("id IN ?", ids).Find(&dbItems).Error
	if err != nil {
		return nil, err
	}
	return toModelItems(dbItems), nil
}

// CountItems returns the total number of items.
func (s *ItemStore) CountItems(ctx context.Context) (int64, error) {
	var count int64
	err := s.gdb.WithContext(ctx).Model(&Item{}).Count(&count).Error
	return count, err
}

// UpdateItem applies the non-nil fields of update and returns the result.
func (s *ItemStore) UpdateItem(ctx context.Context, id string, update *db.ItemUpdate) (*models.Item, error) {
	if update == nil {
		return nil, fmt.Errorf("update cannot be nil")
	}

	updates := make(map[string]any)
	if update.Title != nil {
		updates["title"] = *update.Title
	}
	if update.Summary != nil {
		updates["summary"] = sql.NullString{String: *update.Summary, Valid: *update.Summary != ""}
	}
	if update.Content != nil {
		updates["content"] = sql.NullString{String: *update.Content, Valid: *update.Content != ""}
	}
	if update.Metadata != nil {
		updates["metadata"] = *update.Metadata
	}
	if update.Status != nil {
		updates["status"] = string(*update.Status)
	}

	if len(updates) > 0 {
		updates["updated_at"] = time.Now().UTC()
		result := s.gdb.WithContext(ctx).Model(&Item{}).Where("id = ?", id).Updates(updates)
		if result.Error != nil {
			return nil, fmt.Errorf("update item: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, db.ErrNotFound
		}
	}

	return s.GetItemByID(ctx, id)
}

// SetItemStatus updates only the processing status.
func (s *ItemStore) SetItemStatus(ctx context.Context, id string, status models.ItemStatus) error {
	result := s.gdb.WithContext(ctx).
		Model(&Item{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return db.ErrNotFound
	}
	return nil
}

// DeleteItem removes an item. Embeddings cascade via foreign key; the tag
// links and any conversation rows are removed in the same transaction.
func (s *ItemStore) DeleteItem(ctx context.Context, id string) error {
	return s.store.TransactionWithTimeout(ctx, SlowQueryTimeout, func(tx *gorm.DB) error {
		if err := tx.Where("item_id = ?", id).Delete(&ItemTag{}).Error; err != nil {
			return err
		}
		if err := tx.Where("item_id = ?", id).Delete(&GitHubRepo{}).Error; err != nil {
			return err
		}
		var convIDs []string
		if err := tx.Model(&ConversationImport{}).Where("item_id = ?", id).Pluck("id", &convIDs).Error; err != nil {
			return err
		}
		if len(convIDs) > 0 {
			if err := tx.Where("conversation_id IN ?", convIDs).Delete(&ConversationMessage{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", convIDs).Delete(&ConversationImport{}).Error; err != nil {
				return err
			}
		}

		result := tx.Delete(&Item{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return db.ErrNotFound
		}
		return nil
	})
}

// ReplaceTags sets the item's tag set, creating missing tags.
func (s *ItemStore) ReplaceTags(ctx context.Context, itemID string, tags []string) error {
	return s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		return replaceTagsTx(tx, itemID, tags)
	})
}

// AddTags attaches tags to an item without removing existing ones.
func (s *ItemStore) AddTags(ctx context.Context, itemID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		return attachTagsTx(tx, itemID, tags)
	})
}

// ListTags returns all known tags.
func (s *ItemStore) ListTags(ctx context.Context) ([]*models.Tag, error) {
	var dbTags []Tag
	err := s.gdb.WithContext(ctx).Order("name ASC").Find(&dbTags).Error
	if err != nil {
		return nil, err
	}

	result := make([]*models.Tag, len(dbTags))
	for i := range dbTags {
		result[i] = &models.Tag{
			ID:        dbTags[i].ID,
			Name:      dbTags[i].Name,
			CreatedAt: dbTags[i].CreatedAt,
		}
	}
	return result, nil
}

// GetItemTags returns the tag names attached to an item, sorted.
func (s *ItemStore) GetItemTags(ctx context.Context, itemID string) ([]string, error) {
	var names []string
	err := s.gdb.WithContext(ctx).
		Model(&Tag{}).
		Joins("JOIN item_tags ON item_tags.tag_id = tags.id").
		Where("item_tags.item_id = ?", itemID).
		Order("tags.name ASC").
		Pluck("tags.name", &names).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

// replaceTagsTx replaces the item's tag links inside an open transaction.
func replaceTagsTx(tx *gorm.DB, itemID string, tags []string) error {
	if err := tx.Where("item_id = ?", itemID).Delete(&ItemTag{}).Error; err != nil {
		return err
	}
	return attachTagsTx(tx, itemID, tags)
}

// attachTagsTx find-or-creates tags and links them to the item.
func attachTagsTx(tx *gorm.DB, itemID string, tags []string) error {
	for _, name := range normalizeTagNames(tags) {
		tag := Tag{Name: name}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(&tag).Error; err != nil {
			return err
		}
		if tag.ID == 0 {
			// OnConflict DoNothing doesn't populate the ID of the winner
			if err := tx.Where("name = ?", name).First(&tag).Error; err != nil {
				return err
			}
		}

		link := ItemTag{ItemID: itemID, TagID: tag.ID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}

// normalizeTagNames lowercases, trims, and dedupes tag names.
func normalizeTagNames(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, t := range tags {
		name := strings.ToLower(strings.TrimSpace(t))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		result = append(result, name)
	}
	return result
}
