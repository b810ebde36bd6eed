package profile

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/profilesync/internal/storage"
)

func TestProfileFromRow(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	p, err := profileFromRow(map[string]any{
		"user_id":              "u1",
		"full_name":            "Ana",
		"country":              "PT",
		"profile_completeness": int64(40),
		"social_links":         map[string]any{"github": "ana"},
		"created_at":           created,
	})
	if err != nil {
		t.Fatalf("profileFromRow: %v", err)
	}
	if p.FullName != "Ana" || p.Country != "PT" || p.Completeness != 40 {
		t.Errorf("record = %+v", p)
	}
	if p.SocialLinks["github"] != "ana" {
		t.Errorf("social_links = %v", p.SocialLinks)
	}
	if !p.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v", p.CreatedAt)
	}
}

func TestProfileFromRow_Nil(t *testing.T) {
	p, err := profileFromRow(nil)
	if p != nil || err != nil {
		t.Errorf("profileFromRow(nil) = %v, %v", p, err)
	}
}

func TestFromRow_Mismatches(t *testing.T) {
	tests := []struct {
		name      string
		extended  bool
		row       map[string]any
		wantField string
	}{
		{"missing user id", false, map[string]any{"full_name": "Ana"}, "user_id"},
		{"number as name", false, map[string]any{"user_id": "u1", "full_name": 7}, "full_name"},
		{"social link value", false, map[string]any{"user_id": "u1", "social_links": map[string]any{"x": 1.0}}, "social_links"},
		{"timestamp as string", false, map[string]any{"user_id": "u1", "created_at": "yesterday"}, "created_at"},
		{"skills not a list", true, map[string]any{"user_id": "u1", "skills": "go"}, "skills"},
		{"skills with number", true, map[string]any{"user_id": "u1", "skills": []any{"go", 3.0}}, "skills"},
		{"rate as string", true, map[string]any{"user_id": "u1", "hourly_rate_min": "ten"}, "hourly_rate_min"},
		{"unknown level", true, map[string]any{"user_id": "u1", "experience_level": "guru"}, "experience_level"},
		{"unknown availability", true, map[string]any{"user_id": "u1", "availability": "never"}, "availability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.extended {
				_, err = extendedFromRow(tt.row)
			} else {
				_, err = profileFromRow(tt.row)
			}
			var me *MappingError
			if !errors.As(err, &me) {
				t.Fatalf("err = %v, want *MappingError", err)
			}
			if me.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", me.Field, tt.wantField)
			}
		})
	}
}

func TestExtendedFromRow_NormalizesTags(t *testing.T) {
	x, err := extendedFromRow(map[string]any{
		"user_id":         "u1",
		"skills":          []any{"sql", "go", "sql", " "},
		"hourly_rate_max": int64(90),
		"availability":    "contract",
	})
	if err != nil {
		t.Fatalf("extendedFromRow: %v", err)
	}
	if len(x.Skills) != 2 || x.Skills[0] != "go" || x.Skills[1] != "sql" {
		t.Errorf("skills = %v, want [go sql]", x.Skills)
	}
	if x.Compensation.Max != 90 {
		t.Errorf("max = %v, want 90", x.Compensation.Max)
	}
	if x.Availability != AvailabilityContract {
		t.Errorf("availability = %q", x.Availability)
	}
}

func TestExtendedPatch_Validate(t *testing.T) {
	lvl := ExperienceLevel("wizard")
	tests := []struct {
		name    string
		patch   ExtendedPatch
		wantErr bool
	}{
		{"empty", ExtendedPatch{}, false},
		{"valid range", ExtendedPatch{HourlyRateMin: ptr(10.0), HourlyRateMax: ptr(20.0)}, false},
		{"inverted range", ExtendedPatch{HourlyRateMin: ptr(30.0), HourlyRateMax: ptr(20.0)}, true},
		{"negative", ExtendedPatch{HourlyRateMin: ptr(-1.0)}, true},
		{"bad level", ExtendedPatch{ExperienceLevel: &lvl}, true},
		{"bad currency", ExtendedPatch{Currency: ptr("EURO")}, true},
		{"clear currency", ExtendedPatch{Currency: ptr("")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidUpdate) {
				t.Errorf("err = %v, want ErrInvalidUpdate", err)
			}
		})
	}
}

func TestPatchFields_AreWritable(t *testing.T) {
	lvl := ExperienceMid
	avail := AvailabilityFreelance
	p := ProfilePatch{FullName: ptr("Ana"), SocialLinks: map[string]string{"x": "@ana"}}
	x := ExtendedPatch{Title: ptr("Dev"), ExperienceLevel: &lvl, Availability: &avail, Interests: []string{}}

	if _, err := storage.WritableFields(storage.CollectionProfiles, p.Fields()); err != nil {
		t.Errorf("profile fields: %v", err)
	}
	if _, err := storage.WritableFields(storage.CollectionTalentProfiles, x.Fields()); err != nil {
		t.Errorf("extended fields: %v", err)
	}
	if got := x.Fields()["interests"]; got == nil {
		t.Error("empty interests list should clear the column, not be dropped")
	}
}

func TestPatchFromFields(t *testing.T) {
	p, x, err := PatchFromFields(
		map[string]any{"full_name": "Ana", "social_links": map[string]any{"github": "ana"}},
		map[string]any{"skills": []any{"go"}, "hourly_rate_min": 25.0, "availability": "part_time"},
	)
	if err != nil {
		t.Fatalf("PatchFromFields: %v", err)
	}
	if p.FullName == nil || *p.FullName != "Ana" || p.SocialLinks["github"] != "ana" {
		t.Errorf("profile patch = %+v", p)
	}
	if len(x.Skills) != 1 || x.HourlyRateMin == nil || *x.HourlyRateMin != 25 {
		t.Errorf("extended patch = %+v", x)
	}
	if x.Availability == nil || *x.Availability != AvailabilityPartTime {
		t.Errorf("availability = %v", x.Availability)
	}
}

func TestPatchFromFields_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		profile  map[string]any
		extended map[string]any
	}{
		{"unknown column", map[string]any{"password": "x"}, nil},
		{"derived column", map[string]any{"profile_completeness": 90.0}, nil},
		{"wrong type", map[string]any{"city": 12.0}, nil},
		{"bad enum", nil, map[string]any{"experience_level": "guru"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := PatchFromFields(tt.profile, tt.extended); !errors.Is(err, ErrInvalidUpdate) {
				t.Errorf("err = %v, want ErrInvalidUpdate", err)
			}
		})
	}
}
