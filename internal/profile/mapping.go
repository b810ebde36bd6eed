package profile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/profilesync/internal/storage"
)

// profileFromRow maps a profiles row into a ProfileRecord. A nil row maps
// to a nil record.
func profileFromRow(row map[string]any) (*ProfileRecord, error) {
	if row == nil {
		return nil, nil
	}
	m := rowMapper{collection: storage.CollectionProfiles, row: row}
	p := &ProfileRecord{
		UserID:       m.userID(),
		FullName:     m.str("full_name"),
		AvatarURL:    m.str("avatar_url"),
		Phone:        m.str("phone"),
		Country:      m.str("country"),
		City:         m.str("city"),
		Completeness: m.integer("profile_completeness"),
		SocialLinks:  m.stringMap("social_links"),
		CreatedAt:    m.timestamp("created_at"),
		UpdatedAt:    m.timestamp("updated_at"),
	}
	if m.err != nil {
		return nil, m.err
	}
	return p, nil
}

// extendedFromRow maps a talent_profiles row into an ExtendedProfileRecord.
// A nil row maps to a nil record.
func extendedFromRow(row map[string]any) (*ExtendedProfileRecord, error) {
	if row == nil {
		return nil, nil
	}
	m := rowMapper{collection: storage.CollectionTalentProfiles, row: row}
	x := &ExtendedProfileRecord{
		UserID:          m.userID(),
		Title:           m.str("title"),
		Bio:             m.str("bio"),
		Skills:          normalizeTags(m.stringList("skills")),
		ExperienceLevel: ExperienceLevel(m.str("experience_level")),
		Categories:      normalizeTags(m.stringList("categories")),
		Compensation: Compensation{
			Min:      m.float("hourly_rate_min"),
			Max:      m.float("hourly_rate_max"),
			Currency: m.str("currency"),
		},
		Availability: Availability(m.str("availability")),
		Interests:    normalizeTags(m.stringList("interests")),
		CreatedAt:    m.timestamp("created_at"),
		UpdatedAt:    m.timestamp("updated_at"),
	}
	if m.err == nil && x.ExperienceLevel != "" && !x.ExperienceLevel.Valid() {
		m.fail("experience_level", fmt.Sprintf("unknown level %q", x.ExperienceLevel))
	}
	if m.err == nil && x.Availability != "" && !x.Availability.Valid() {
		m.fail("availability", fmt.Sprintf("unknown availability %q", x.Availability))
	}
	if m.err != nil {
		return nil, m.err
	}
	return x, nil
}

// rowMapper reads typed fields out of a loosely typed row and keeps the
// first mismatch it sees.
type rowMapper struct {
	collection string
	row        map[string]any
	err        *MappingError
}

func (m *rowMapper) fail(field, reason string) {
	if m.err == nil {
		m.err = &MappingError{Collection: m.collection, Field: field, Reason: reason}
	}
}

func (m *rowMapper) mismatch(field, want string, got any) {
	m.fail(field, fmt.Sprintf("expected %s, got %T", want, got))
}

func (m *rowMapper) userID() string {
	id, ok := m.row["user_id"].(string)
	if !ok || id == "" {
		m.fail("user_id", "missing user id")
	}
	return id
}

func (m *rowMapper) str(field string) string {
	switch v := m.row[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		m.mismatch(field, "string", v)
		return ""
	}
}

func (m *rowMapper) integer(field string) int {
	switch v := m.row[field].(type) {
	case nil:
		return 0
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		m.mismatch(field, "integer", v)
		return 0
	}
}

func (m *rowMapper) float(field string) float64 {
	switch v := m.row[field].(type) {
	case nil:
		return 0
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		m.mismatch(field, "number", v)
		return 0
	}
}

func (m *rowMapper) stringList(field string) []string {
	switch v := m.row[field].(type) {
	case nil:
		return nil
	case []string:
		return copyStrings(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				m.fail(field, fmt.Sprintf("expected list of strings, found %T", item))
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		m.mismatch(field, "list of strings", v)
		return nil
	}
}

func (m *rowMapper) stringMap(field string) map[string]string {
	switch v := m.row[field].(type) {
	case nil:
		return nil
	case map[string]string:
		return copyStringMap(v)
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				m.fail(field, fmt.Sprintf("expected string value for %q, found %T", k, item))
				return nil
			}
			out[k] = s
		}
		return out
	default:
		m.mismatch(field, "object of strings", v)
		return nil
	}
}

func (m *rowMapper) timestamp(field string) time.Time {
	switch v := m.row[field].(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return v
	default:
		m.mismatch(field, "timestamp", v)
		return time.Time{}
	}
}

// normalizeTags returns the non-empty trimmed tags, deduplicated and sorted.
func normalizeTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
