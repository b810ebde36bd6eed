package storage

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownCollection is returned for collection names outside the schema.
var ErrUnknownCollection = errors.New("unknown collection")

// Collections served by the store. Both are keyed by user_id.
const (
	CollectionProfiles       = "profiles"
	CollectionTalentProfiles = "talent_profiles"
)

// Kind describes how a column is stored and how its value is decoded.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindFloat
	KindJSONList
	KindJSONMap
	KindTime
)

// Column is one field of a collection.
type Column struct {
	Name     string
	Kind     Kind
	Writable bool
}

// Change is emitted after a successful write to a collection.
type Change struct {
	Collection string `json:"collection"`
	UserID     string `json:"user_id"`
	Op         string `json:"op"`
	Origin     string `json:"origin,omitempty"`
}

var schema = map[string][]Column{
	CollectionProfiles: {
		{Name: "full_name", Kind: KindText, Writable: true},
		{Name: "avatar_url", Kind: KindText, Writable: true},
		{Name: "phone", Kind: KindText, Writable: true},
		{Name: "country", Kind: KindText, Writable: true},
		{Name: "city", Kind: KindText, Writable: true},
		{Name: "social_links", Kind: KindJSONMap, Writable: true},
		{Name: "profile_completeness", Kind: KindInt},
		{Name: "created_at", Kind: KindTime},
		{Name: "updated_at", Kind: KindTime},
	},
	CollectionTalentProfiles: {
		{Name: "title", Kind: KindText, Writable: true},
		{Name: "bio", Kind: KindText, Writable: true},
		{Name: "skills", Kind: KindJSONList, Writable: true},
		{Name: "experience_level", Kind: KindText, Writable: true},
		{Name: "categories", Kind: KindJSONList, Writable: true},
		{Name: "hourly_rate_min", Kind: KindFloat, Writable: true},
		{Name: "hourly_rate_max", Kind: KindFloat, Writable: true},
		{Name: "currency", Kind: KindText, Writable: true},
		{Name: "availability", Kind: KindText, Writable: true},
		{Name: "interests", Kind: KindJSONList, Writable: true},
		{Name: "created_at", Kind: KindTime},
		{Name: "updated_at", Kind: KindTime},
	},
}

// Columns returns the column list for a collection.
func Columns(collection string) ([]Column, error) {
	cols, ok := schema[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return cols, nil
}

// WritableFields validates fields against the collection's writable columns
// and returns them in a stable order.
func WritableFields(collection string, fields map[string]any) ([]Column, error) {
	cols, err := Columns(collection)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}

	out := make([]Column, 0, len(fields))
	for name := range fields {
		c, ok := byName[name]
		if !ok || !c.Writable {
			return nil, fmt.Errorf("column %q is not writable in %s", name, collection)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
