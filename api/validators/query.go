package validators

import (
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
)

// IntRange bounds a numeric query parameter.
type IntRange struct {
	Default, Min, Max int
}

// QueryInt reads key from the query string. A missing value yields
// bounds.Default; anything non-numeric or outside [Min, Max] is rejected.
func QueryInt(r *http.Request, key string, bounds IntRange) (int, error) {
	values, present := r.URL.Query()[key]
	if !present || strings.TrimSpace(values[0]) == "" {
		return bounds.Default, nil
	}
	if len(values) > 1 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter given more than once").
			WithDetails(map[string]any{"field": key})
	}
	n, err := strconv.Atoi(strings.TrimSpace(values[0]))
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be an integer").
			WithDetails(map[string]any{"field": key})
	}
	if n < bounds.Min || n > bounds.Max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter out of range").
			WithDetails(map[string]any{"field": key, "min": bounds.Min, "max": bounds.Max})
	}
	return n, nil
}
