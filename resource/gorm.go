package resource

import (
	"context"
	stdErrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	sigerrors "github.com/glotzerlab/signac-sub002/errors"
)

const (
	defaultGormTableName = "signac_documents"
	defaultGormOpTimeout = 5 * time.Second
)

// gormDocument is the internal model used to store documents in the database.
type gormDocument struct {
	ID    string `gorm:"primaryKey;column:doc_id"`
	Value []byte `gorm:"column:value"`
}

// GormDocument is a Resource stored as a row in a GORM-managed table.
type GormDocument struct {
	db        *gorm.DB
	tableName string
	id        string
	codec     Codec
	timeout   time.Duration
}

// GormOption configures a GormDocument.
type GormOption func(*gormDocumentOptions)

type gormDocumentOptions struct {
	tableName string
	timeout   time.Duration
	codec     Codec
}

// WithGormTableName sets the table name for the GormDocument.
func WithGormTableName(name string) GormOption {
	return func(o *gormDocumentOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormDocumentOptions) {
		o.timeout = d
	}
}

// WithGormCodec sets the codec for serialization.
func WithGormCodec(c Codec) GormOption {
	return func(o *gormDocumentOptions) {
		o.codec = c
	}
}

// NewGormDocument returns a Resource stored as the row with the given id,
// using the provided GORM DB connection.
func NewGormDocument(db *gorm.DB, id string, opts ...GormOption) *GormDocument {
	o := gormDocumentOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		codec:     JSONCodec{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Ensure the table exists
	if !db.Migrator().HasTable(o.tableName) {
		_ = db.Table(o.tableName).AutoMigrate(&gormDocument{})
	}

	return &GormDocument{
		db:        db,
		tableName: o.tableName,
		id:        id,
		codec:     o.codec,
		timeout:   o.timeout,
	}
}

// ID implements Resource.ID.
func (d *GormDocument) ID() string { return d.tableName + "/" + d.id }

// Load implements Resource.Load.
func (d *GormDocument) Load(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var row gormDocument
	err := d.db.WithContext(cctx).Table(d.tableName).First(&row, "doc_id = ?", d.id).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapGormErr(err)
	}

	var v any
	if err := d.codec.Unmarshal(row.Value, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Save implements Resource.Save.
func (d *GormDocument) Save(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}
	data, err := d.codec.Marshal(v)
	if err != nil {
		return err
	}

	row := gormDocument{ID: d.id, Value: data}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.db.WithContext(cctx).Table(d.tableName).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error; err != nil {
		return mapGormErr(err)
	}
	return nil
}

func mapGormErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return sigerrors.ErrTimeout
	}
	return err
}
