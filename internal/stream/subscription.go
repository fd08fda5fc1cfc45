package stream

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/resource"
)

// Query parameters with a fixed meaning. Every other parameter is a field
// filter.
const (
	paramResources = "resources"
	paramLimit     = "limit"
	headerLastID   = "Last-Event-ID"
)

// Subscription is what one stream connection asked for.
type Subscription struct {
	// Resources holds registered resource names.
	Resources map[string]bool

	// Fields maps dotted record paths to the required value.
	Fields map[string]string

	// LastEventID resumes after this position when set.
	LastEventID *oplog.Position

	// Limit ends the stream after this many change frames. Zero is
	// unlimited.
	Limit int
}

// ParseSubscription validates a stream request against reg.
func ParseSubscription(r *http.Request, reg *registry.Registry) (*Subscription, error) {
	q := r.URL.Query()

	names := splitResources(q[paramResources])
	if len(names) == 0 {
		return nil, errNoResources()
	}

	sub := &Subscription{
		Resources: make(map[string]bool, len(names)),
		Fields:    fieldFilters(q),
	}

	var unknown []string
	seen := make(map[string]bool)
	for _, name := range names {
		registered, ok := reg.Lookup(name)
		if !ok {
			if !seen[name] {
				seen[name] = true
				unknown = append(unknown, name)
			}
			continue
		}
		sub.Resources[registered] = true
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errUnknownResources(unknown)
	}

	if raw := q.Get(paramLimit); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, badRequest("The limit parameter must be a positive integer, got %q.", raw)
		}
		sub.Limit = n
	}

	if raw := strings.TrimSpace(r.Header.Get(headerLastID)); raw != "" {
		pos, err := oplog.ParsePosition(raw)
		if err != nil {
			return nil, badRequest("The Last-Event-ID header %q is not a valid event id.", raw)
		}
		sub.LastEventID = &pos
	}

	return sub, nil
}

func splitResources(values []string) []string {
	var out []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func fieldFilters(q url.Values) map[string]string {
	fields := make(map[string]string)
	for key, values := range q {
		if key == paramResources || key == paramLimit || len(values) == 0 {
			continue
		}
		fields[key] = values[0]
	}
	return fields
}

// Wants reports whether res is part of the subscription.
func (s *Subscription) Wants(res string) bool {
	return s.Resources[res]
}

// Matches applies the field filters to a deserialized record.
func (s *Subscription) Matches(rec resource.Record) bool {
	for path, want := range s.Fields {
		got, ok := oplog.Lookup(rec, path)
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
