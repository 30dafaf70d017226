package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// maxBodyBytes bounds request bodies; scripts are the largest payload.
const maxBodyBytes = 8 << 20

// decodeJSON reads exactly one JSON object from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _ = body.Close() }()

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return err
	}
	if decoder.More() {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

func pathParam(r *http.Request, key string) (string, error) {
	raw := strings.TrimSpace(r.PathValue(key))
	if raw == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	value, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return value, nil
}

// resultPage is the ?set=&limit=&offset= window of a script result.
type resultPage struct {
	Set    int
	Limit  *int
	Offset *int
}

// queryParamError names the offending query parameter.
type queryParamError struct {
	Param string
	Err   error
}

func (e *queryParamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Param, e.Err)
}

func parseResultPage(query url.Values) (resultPage, error) {
	var page resultPage
	set, err := queryInt(query, "set", 0)
	if err != nil {
		return page, err
	}
	if set != nil {
		page.Set = *set
	}
	if page.Limit, err = queryInt(query, "limit", 1); err != nil {
		return page, err
	}
	if page.Offset, err = queryInt(query, "offset", 0); err != nil {
		return page, err
	}
	return page, nil
}

// queryInt returns nil when the parameter is absent.
func queryInt(query url.Values, name string, min int) (*int, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &queryParamError{Param: name, Err: errors.New("not an integer")}
	}
	if n < min {
		return nil, &queryParamError{Param: name, Err: fmt.Errorf("must be >= %d", min)}
	}
	return &n, nil
}
