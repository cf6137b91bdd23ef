// Package dbtypes holds column types shared by the domain models.
package dbtypes

import (
	"context"
	"database/sql/driver"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// JSON is a datatypes.JSON column that is text on SQLite. SQLite gives jsonb
// and JSON columns numeric affinity, which turns a stored scalar number into
// an INTEGER or REAL.
type JSON datatypes.JSON

func (j JSON) Value() (driver.Value, error) { return datatypes.JSON(j).Value() }

// Scan also accepts the int64 and float64 that rows written before the
// column was text come back as.
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case int64:
		*j = JSON(strconv.AppendInt(nil, v, 10))
		return nil
	case float64:
		*j = JSON(strconv.AppendFloat(nil, v, 'g', -1, 64))
		return nil
	}
	return (*datatypes.JSON)(j).Scan(value)
}

func (j JSON) MarshalJSON() ([]byte, error) { return datatypes.JSON(j).MarshalJSON() }

func (j *JSON) UnmarshalJSON(b []byte) error { return (*datatypes.JSON)(j).UnmarshalJSON(b) }

func (j JSON) String() string { return string(j) }

func (JSON) GormDataType() string { return "json" }

func (JSON) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "text"
	case "postgres":
		return "jsonb"
	}
	return datatypes.JSON(nil).GormDBDataType(db, field)
}

func (j JSON) GormValue(ctx context.Context, db *gorm.DB) clause.Expr {
	return datatypes.JSON(j).GormValue(ctx, db)
}
