package pgstore

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// uuidArray adapts []uuid.UUID to Postgres's uuid[] array literal
// format ("{id,id,...}"). lib/pq's GenericArray only round-trips
// element types with a format it recognizes natively; uuid.UUID isn't
// one of them, so the literal is built and parsed directly here
// rather than through reflection (see DESIGN.md).
type uuidArray []uuid.UUID

func (a uuidArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	parts := make([]string, len(a))
	for i, id := range a {
		parts[i] = id.String()
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

func (a *uuidArray) Scan(src any) error {
	if src == nil {
		*a = nil
		return nil
	}
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("uuidArray: unsupported scan source %T", src)
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "{"), "}")
	if raw == "" {
		*a = uuidArray{}
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make(uuidArray, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(p)
		if err != nil {
			return fmt.Errorf("uuidArray: parse %q: %w", p, err)
		}
		out = append(out, id)
	}
	*a = out
	return nil
}
