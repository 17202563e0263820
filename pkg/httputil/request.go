package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// ParseJSON decodes the request body into dest
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes the body and writes a 400 on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathInt64 parses a positive int64 path parameter
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, fmt.Errorf("missing path parameter: %s", key)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil || val <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", key, str)
	}
	return val, nil
}

// ParsePathInt64OrError parses a positive int64 path parameter and writes a
// 400 on failure
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	val, err := ParsePathInt64(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, false
	}
	return val, true
}

// QueryInt returns an integer query parameter, or defaultVal when it is
// missing or malformed
func QueryInt(r *http.Request, key string, defaultVal int) int {
	val, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return defaultVal
	}
	return val
}

// QueryInt64 returns an int64 query parameter, or nil when it is missing or
// malformed
func QueryInt64(r *http.Request, key string) *int64 {
	val, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return nil
	}
	return &val
}

// QueryTime returns an RFC 3339 query parameter, or nil when it is missing
// or malformed
func QueryTime(r *http.Request, key string) *time.Time {
	t, err := time.Parse(time.RFC3339, r.URL.Query().Get(key))
	if err != nil {
		return nil
	}
	return &t
}

// QueryString returns a query parameter or defaultVal when it is empty
func QueryString(r *http.Request, key, defaultVal string) string {
	if val := r.URL.Query().Get(key); val != "" {
		return val
	}
	return defaultVal
}

// QueryList splits a comma-separated query parameter, dropping blanks
func QueryList(r *http.Request, key string) []string {
	return SplitList(r.URL.Query().Get(key))
}

// SplitList splits a comma-separated list and drops empty values
func SplitList(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	for _, val := range strings.Split(s, ",") {
		if val = strings.TrimSpace(val); val != "" {
			result = append(result, val)
		}
	}
	return result
}
