package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/warden/internal"
)

// Column encoding: times are RFC 3339 UTC text, booleans 0/1, lists and maps
// JSON text, and empty optional values NULL.

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func optStamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return stamp(*t)
}

func optText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func bit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// jsonText encodes v, or NULL when empty is set.
func jsonText(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

type scanFunc func(src any) error

func (f scanFunc) Scan(src any) error { return f(src) }

// text normalizes a driver value to a string; ok is false for NULL.
func text(src any) (s string, ok bool, err error) {
	switch v := src.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	case time.Time:
		return v.UTC().Format(time.RFC3339), true, nil
	default:
		return "", false, fmt.Errorf("text column holds %T", src)
	}
}

// optString scans a nullable text column; NULL becomes "".
func optString(dst *string) sql.Scanner {
	return scanFunc(func(src any) error {
		s, _, err := text(src)
		*dst = s
		return err
	})
}

// optTime scans a nullable timestamp. Unparseable values read as NULL.
func optTime(dst **time.Time) sql.Scanner {
	return scanFunc(func(src any) error {
		*dst = nil
		s, ok, err := text(src)
		if err != nil || !ok {
			return err
		}
		if t, perr := time.Parse(time.RFC3339, s); perr == nil {
			*dst = &t
		}
		return nil
	})
}

func reqTime(dst *time.Time) sql.Scanner {
	return scanFunc(func(src any) error {
		var t *time.Time
		if err := optTime(&t).Scan(src); err != nil {
			return err
		}
		if t != nil {
			*dst = *t
		}
		return nil
	})
}

func boolean(dst *bool) sql.Scanner {
	return scanFunc(func(src any) error {
		switch v := src.(type) {
		case int64:
			*dst = v != 0
		case bool:
			*dst = v
		case nil:
			*dst = false
		default:
			return fmt.Errorf("boolean column holds %T", src)
		}
		return nil
	})
}

// jsonValue decodes a nullable JSON column into dst.
func jsonValue(dst any) sql.Scanner {
	return scanFunc(func(src any) error {
		s, ok, err := text(src)
		if err != nil || !ok {
			return err
		}
		if err := json.Unmarshal([]byte(s), dst); err != nil {
			return fmt.Errorf("decode json column: %w", err)
		}
		return nil
	})
}

// rowScanner is *sql.Row or *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// collect drains rows through scan and closes them.
func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// mustAffect maps an UPDATE that matched nothing to ErrNotFound.
func mustAffect(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	switch {
	case err != nil:
		return err
	case n == 0:
		return fmt.Errorf("%s: %w", what, gateway.ErrNotFound)
	}
	return nil
}
