package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

var errUnsupportedJSONB = errors.New("unsupported jsonb source type")

// CategoryList is stored as a JSONB array.
type CategoryList []Category

// MemberList is stored as a JSONB array.
type MemberList []Member

// UpdatedMemberList is stored as a JSONB array.
type UpdatedMemberList []UpdatedMember

func (l CategoryList) Value() (driver.Value, error)      { return marshalJSONB(l) }
func (l *CategoryList) Scan(value any) error             { return scanJSONB(value, l) }
func (l MemberList) Value() (driver.Value, error)        { return marshalJSONB(l) }
func (l *MemberList) Scan(value any) error               { return scanJSONB(value, l) }
func (l UpdatedMemberList) Value() (driver.Value, error) { return marshalJSONB(l) }
func (l *UpdatedMemberList) Scan(value any) error        { return scanJSONB(value, l) }

// marshalJSONB encodes v, writing nil slices as an empty array.
func marshalJSONB[T any](v []T) (driver.Value, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return b, nil
}

func scanJSONB(value, dst any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("%w: %T", errUnsupportedJSONB, value)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal jsonb: %w", err)
	}
	return nil
}
