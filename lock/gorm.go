package lock

import (
	"context"
	stdErrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	sigerrors "github.com/glotzerlab/signac-sub002/errors"
)

const (
	defaultGormLockTable = "signac_locks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormLock is the internal model used to store lock records in the database.
type gormLock struct {
	DocID string `gorm:"primaryKey;column:doc_id"`
	Owner string `gorm:"column:owner"`
	Count int64  `gorm:"column:count"`
}

// GormStore implements Store on a SQL database through GORM. Conditional
// inserts, updates and deletes stand in for compare-and-swap; a row exists
// exactly while the document is locked.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormStoreOption configures a GormStore.
type GormStoreOption func(*GormStore)

// WithGormLockTable sets the table name used for lock records.
func WithGormLockTable(name string) GormStoreOption {
	return func(s *GormStore) {
		s.tableName = name
	}
}

// WithGormStoreTimeout sets the operation timeout for GORM calls.
func WithGormStoreTimeout(d time.Duration) GormStoreOption {
	return func(s *GormStore) {
		s.timeout = d
	}
}

// NewGormStore returns a lock store using the provided GORM DB connection.
func NewGormStore(db *gorm.DB, opts ...GormStoreOption) *GormStore {
	s := &GormStore{db: db, tableName: defaultGormLockTable, timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(s)
	}

	// Ensure the table exists
	if !db.Migrator().HasTable(s.tableName) {
		_ = db.Table(s.tableName).AutoMigrate(&gormLock{})
	}
	return s
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context, id string) (State, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormLock
	err := s.db.WithContext(cctx).Table(s.tableName).First(&row, "doc_id = ?", id).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, mapGormErr(err)
	}
	return State{Owner: row.Owner, Count: row.Count}, nil
}

// Swap implements Store.Swap. Every case resolves to a single conditional
// statement whose affected-row count reports whether the precondition held.
func (s *GormStore) Swap(ctx context.Context, id string, old, new State) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tx := s.db.WithContext(cctx).Table(s.tableName)

	switch {
	case old == (State{}) && new == (State{}):
		var n int64
		if err := tx.Where("doc_id = ?", id).Count(&n).Error; err != nil {
			return false, mapGormErr(err)
		}
		return n == 0, nil
	case old == (State{}):
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoNothing: true,
		}).Create(&gormLock{DocID: id, Owner: new.Owner, Count: new.Count})
		if res.Error != nil {
			return false, mapGormErr(res.Error)
		}
		return res.RowsAffected == 1, nil
	case new == (State{}):
		res := tx.Where("doc_id = ? AND owner = ? AND count = ?", id, old.Owner, old.Count).
			Delete(&gormLock{})
		if res.Error != nil {
			return false, mapGormErr(res.Error)
		}
		return res.RowsAffected == 1, nil
	default:
		res := tx.Where("doc_id = ? AND owner = ? AND count = ?", id, old.Owner, old.Count).
			Updates(map[string]any{"owner": new.Owner, "count": new.Count})
		if res.Error != nil {
			return false, mapGormErr(res.Error)
		}
		return res.RowsAffected == 1, nil
	}
}

func mapGormErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return sigerrors.ErrTimeout
	}
	return err
}
