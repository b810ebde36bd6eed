package profile

import (
	"fmt"
	"strings"

	"github.com/kalambet/profilesync/internal/storage"
)

// ProfilePatch is a partial update of a ProfileRecord. Nil fields are left
// untouched. A non-nil SocialLinks replaces the whole map.
type ProfilePatch struct {
	FullName    *string           `json:"full_name,omitempty"`
	AvatarURL   *string           `json:"avatar_url,omitempty"`
	Phone       *string           `json:"phone,omitempty"`
	Country     *string           `json:"country,omitempty"`
	City        *string           `json:"city,omitempty"`
	SocialLinks map[string]string `json:"social_links,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ProfilePatch) IsEmpty() bool {
	return p.FullName == nil && p.AvatarURL == nil && p.Phone == nil &&
		p.Country == nil && p.City == nil && p.SocialLinks == nil
}

// Fields returns the patch as store column values.
func (p ProfilePatch) Fields() map[string]any {
	f := make(map[string]any)
	setString(f, "full_name", p.FullName)
	setString(f, "avatar_url", p.AvatarURL)
	setString(f, "phone", p.Phone)
	setString(f, "country", p.Country)
	setString(f, "city", p.City)
	if p.SocialLinks != nil {
		f["social_links"] = copyStringMap(p.SocialLinks)
	}
	return f
}

func (p ProfilePatch) apply(r *ProfileRecord) {
	applyString(&r.FullName, p.FullName)
	applyString(&r.AvatarURL, p.AvatarURL)
	applyString(&r.Phone, p.Phone)
	applyString(&r.Country, p.Country)
	applyString(&r.City, p.City)
	if p.SocialLinks != nil {
		r.SocialLinks = copyStringMap(p.SocialLinks)
	}
}

// ExtendedPatch is a partial update of an ExtendedProfileRecord. Nil fields
// are left untouched. Non-nil tag lists replace the stored list.
type ExtendedPatch struct {
	Title           *string          `json:"title,omitempty"`
	Bio             *string          `json:"bio,omitempty"`
	Skills          []string         `json:"skills,omitempty"`
	ExperienceLevel *ExperienceLevel `json:"experience_level,omitempty"`
	Categories      []string         `json:"categories,omitempty"`
	HourlyRateMin   *float64         `json:"hourly_rate_min,omitempty"`
	HourlyRateMax   *float64         `json:"hourly_rate_max,omitempty"`
	Currency        *string          `json:"currency,omitempty"`
	Availability    *Availability    `json:"availability,omitempty"`
	Interests       []string         `json:"interests,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ExtendedPatch) IsEmpty() bool {
	return p.Title == nil && p.Bio == nil && p.Skills == nil && p.ExperienceLevel == nil &&
		p.Categories == nil && p.HourlyRateMin == nil && p.HourlyRateMax == nil &&
		p.Currency == nil && p.Availability == nil && p.Interests == nil
}

// Validate checks enumerations and the compensation range.
func (p ExtendedPatch) Validate() error {
	if p.ExperienceLevel != nil && *p.ExperienceLevel != "" && !p.ExperienceLevel.Valid() {
		return fmt.Errorf("%w: unknown experience level %q", ErrInvalidUpdate, *p.ExperienceLevel)
	}
	if p.Availability != nil && *p.Availability != "" && !p.Availability.Valid() {
		return fmt.Errorf("%w: unknown availability %q", ErrInvalidUpdate, *p.Availability)
	}
	if p.HourlyRateMin != nil && *p.HourlyRateMin < 0 {
		return fmt.Errorf("%w: negative minimum rate", ErrInvalidUpdate)
	}
	if p.HourlyRateMax != nil && *p.HourlyRateMax < 0 {
		return fmt.Errorf("%w: negative maximum rate", ErrInvalidUpdate)
	}
	if p.HourlyRateMin != nil && p.HourlyRateMax != nil && *p.HourlyRateMax > 0 && *p.HourlyRateMin > *p.HourlyRateMax {
		return fmt.Errorf("%w: minimum rate above maximum", ErrInvalidUpdate)
	}
	if p.Currency != nil && *p.Currency != "" && len(*p.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidUpdate)
	}
	return nil
}

// Fields returns the patch as store column values.
func (p ExtendedPatch) Fields() map[string]any {
	f := make(map[string]any)
	setString(f, "title", p.Title)
	setString(f, "bio", p.Bio)
	setString(f, "currency", upperPtr(p.Currency))
	if p.ExperienceLevel != nil {
		f["experience_level"] = string(*p.ExperienceLevel)
	}
	if p.Availability != nil {
		f["availability"] = string(*p.Availability)
	}
	if p.HourlyRateMin != nil {
		f["hourly_rate_min"] = *p.HourlyRateMin
	}
	if p.HourlyRateMax != nil {
		f["hourly_rate_max"] = *p.HourlyRateMax
	}
	if p.Skills != nil {
		f["skills"] = normalizeTags(p.Skills)
	}
	if p.Categories != nil {
		f["categories"] = normalizeTags(p.Categories)
	}
	if p.Interests != nil {
		f["interests"] = normalizeTags(p.Interests)
	}
	return f
}

func (p ExtendedPatch) apply(r *ExtendedProfileRecord) {
	applyString(&r.Title, p.Title)
	applyString(&r.Bio, p.Bio)
	applyString(&r.Compensation.Currency, upperPtr(p.Currency))
	if p.ExperienceLevel != nil {
		r.ExperienceLevel = *p.ExperienceLevel
	}
	if p.Availability != nil {
		r.Availability = *p.Availability
	}
	if p.HourlyRateMin != nil {
		r.Compensation.Min = *p.HourlyRateMin
	}
	if p.HourlyRateMax != nil {
		r.Compensation.Max = *p.HourlyRateMax
	}
	if p.Skills != nil {
		r.Skills = normalizeTags(p.Skills)
	}
	if p.Categories != nil {
		r.Categories = normalizeTags(p.Categories)
	}
	if p.Interests != nil {
		r.Interests = normalizeTags(p.Interests)
	}
}

// PatchFromFields builds patches from loosely typed column values, as sent
// by the MCP and CLI surfaces. Unknown or unwritable keys are rejected.
func PatchFromFields(profileFields, extendedFields map[string]any) (ProfilePatch, ExtendedPatch, error) {
	var p ProfilePatch
	var x ExtendedPatch
	if _, err := storage.WritableFields(storage.CollectionProfiles, profileFields); err != nil {
		return p, x, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if _, err := storage.WritableFields(storage.CollectionTalentProfiles, extendedFields); err != nil {
		return p, x, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	pm := rowMapper{collection: storage.CollectionProfiles, row: profileFields}
	for k := range profileFields {
		switch k {
		case "full_name":
			p.FullName = ptr(pm.str(k))
		case "avatar_url":
			p.AvatarURL = ptr(pm.str(k))
		case "phone":
			p.Phone = ptr(pm.str(k))
		case "country":
			p.Country = ptr(pm.str(k))
		case "city":
			p.City = ptr(pm.str(k))
		case "social_links":
			p.SocialLinks = pm.stringMap(k)
			if p.SocialLinks == nil {
				p.SocialLinks = map[string]string{}
			}
		}
	}
	if pm.err != nil {
		return p, x, fmt.Errorf("%w: %v", ErrInvalidUpdate, pm.err)
	}

	xm := rowMapper{collection: storage.CollectionTalentProfiles, row: extendedFields}
	for k := range extendedFields {
		switch k {
		case "title":
			x.Title = ptr(xm.str(k))
		case "bio":
			x.Bio = ptr(xm.str(k))
		case "currency":
			x.Currency = ptr(xm.str(k))
		case "experience_level":
			x.ExperienceLevel = ptr(ExperienceLevel(xm.str(k)))
		case "availability":
			x.Availability = ptr(Availability(xm.str(k)))
		case "hourly_rate_min":
			x.HourlyRateMin = ptr(xm.float(k))
		case "hourly_rate_max":
			x.HourlyRateMax = ptr(xm.float(k))
		case "skills":
			x.Skills = nonNil(xm.stringList(k))
		case "categories":
			x.Categories = nonNil(xm.stringList(k))
		case "interests":
			x.Interests = nonNil(xm.stringList(k))
		}
	}
	if xm.err != nil {
		return p, x, fmt.Errorf("%w: %v", ErrInvalidUpdate, xm.err)
	}
	return p, x, x.Validate()
}

func ptr[T any](v T) *T { return &v }

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func upperPtr(s *string) *string {
	if s == nil {
		return nil
	}
	u := strings.ToUpper(strings.TrimSpace(*s))
	return &u
}

func setString(f map[string]any, key string, v *string) {
	if v != nil {
		f[key] = *v
	}
}

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
