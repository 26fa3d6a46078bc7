package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// MemberMap maps user id -> MemberRecord and is stored as one JSON column,
// implements driver.Valuer, sql.Scanner interface
type MemberMap map[string]MemberRecord

// Value return json value, implement driver.Valuer interface
func (m MemberMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	ba, err := m.MarshalJSON()
	return string(ba), err
}

// Scan scan value into the map, implements sql.Scanner interface
func (m *MemberMap) Scan(val interface{}) error {
	if val == nil {
		*m = nil
		return nil
	}
	var ba []byte
	switch v := val.(type) {
	case []byte:
		ba = v
	case string:
		ba = []byte(v)
	default:
		return errors.New(fmt.Sprint("failed to unmarshal member map value:", val))
	}
	t := map[string]MemberRecord{}
	err := json.Unmarshal(ba, &t)
	*m = MemberMap(t)
	return err
}

// MarshalJSON to output non base64 encoded []byte
func (m MemberMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	t := (map[string]MemberRecord)(m)
	return json.Marshal(t)
}

// UnmarshalJSON to deserialize []byte
func (m *MemberMap) UnmarshalJSON(b []byte) error {
	t := map[string]MemberRecord{}
	err := json.Unmarshal(b, &t)
	*m = MemberMap(t)
	return err
}

// GormDataType gorm common data type
func (m MemberMap) GormDataType() string {
	return "membermap"
}

// GormDBDataType gorm db data type
func (MemberMap) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "JSON"
	case "mysql":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}
