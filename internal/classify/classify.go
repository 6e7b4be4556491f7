// Package classify assigns every request to exactly one operation category.
// Categories partition traffic by sensitivity so that credential guessing,
// bulk uploads, and general API calls are throttled independently.
package classify

import (
	"net/http"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/config"
)

// Category is an operation category. The enumeration is closed: Classify
// always returns one of these four values.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategoryUpload  Category = "upload"
	CategoryAPI     Category = "api"
	CategoryDefault Category = "default"
)

// All lists every category, in classification-rule order. Used by metrics
// registration and stats aggregation.
var All = []Category{CategoryAuth, CategoryUpload, CategoryAPI, CategoryDefault}

// Classify maps a request to its category. Rules are evaluated in order and
// the first match wins:
//
//  1. POST to a path containing "/auth/" → auth
//  2. path containing "/upload" or a multipart/form-data body → upload
//  3. path starting with "/api/" → api
//  4. everything else → default
func Classify(req *http.Request) Category {
	path := req.URL.Path

	if req.Method == http.MethodPost && strings.Contains(path, "/auth/") {
		return CategoryAuth
	}
	if strings.Contains(path, "/upload") ||
		strings.Contains(req.Header.Get("Content-Type"), "multipart/form-data") {
		return CategoryUpload
	}
	if strings.HasPrefix(path, "/api/") {
		return CategoryAPI
	}
	return CategoryDefault
}

// Limits holds the sliding-window budget for one category.
type Limits struct {
	Limit  int64
	Window time.Duration
}

// LimitsFor returns the configured budget for cat. Unknown values map to the
// default category's budget so a bad cast can never yield a zero limit.
func LimitsFor(cat Category, cfg config.CategoriesConfig) Limits {
	var cl config.CategoryLimit
	var def time.Duration

	switch cat {
	case CategoryAuth:
		cl, def = cfg.Auth, 15*time.Minute
	case CategoryUpload:
		cl, def = cfg.Upload, time.Hour
	case CategoryAPI:
		cl, def = cfg.API, time.Minute
	default:
		cl, def = cfg.Default, 5*time.Minute
	}

	return Limits{Limit: cl.Limit, Window: cl.WindowDuration(def)}
}
