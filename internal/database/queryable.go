package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Queryable is the union of the sqlx methods the stores require; both
// *sqlx.DB and *sqlx.Tx satisfy it, allowing store methods to run either
// standalone or inside a caller-owned transaction.
type Queryable interface {
	Select(dest interface{}, query string, args ...interface{}) error
	Get(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Rebind(query string) string
}

// JsonColumn wraps a value of any type such that it can be scanned from a
// JSON/JSONB column. Values are lazily decoded on Get.
type JsonColumn[T any] struct {
	raw   []byte
	value *T
}

func (j *JsonColumn[T]) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		j.raw = nil
		return nil
	case []byte:
		j.raw = append([]byte(nil), v...)
		return nil
	case string:
		j.raw = []byte(v)
		return nil
	}

	return fmt.Errorf("cannot scan %T into JsonColumn", src)
}

func (j JsonColumn[T]) Value() (driver.Value, error) {
	if j.value == nil {
		// Scanned but never decoded; write the raw bytes back untouched.
		if len(j.raw) > 0 {
			return append([]byte(nil), j.raw...), nil
		}

		return nil, nil
	}

	return json.Marshal(*j.value)
}

// Get decodes and returns the wrapped value. A NULL column yields the
// zero value of T.
func (j *JsonColumn[T]) Get() *T {
	if j.value != nil {
		return j.value
	}

	var out T
	if len(j.raw) > 0 {
		if err := json.Unmarshal(j.raw, &out); err != nil {
			dbLogger.Errorf("Failed to decode JSON column: %s\n", err.Error())
		}
	}

	j.value = &out
	return j.value
}

func NewJsonColumn[T any](value T) JsonColumn[T] {
	return JsonColumn[T]{value: &value}
}
