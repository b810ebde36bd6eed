package profile

import "time"

// ExperienceLevel is the seniority a talent declares on their profile.
type ExperienceLevel string

const (
	ExperienceEntry  ExperienceLevel = "entry"
	ExperienceJunior ExperienceLevel = "junior"
	ExperienceMid    ExperienceLevel = "mid"
	ExperienceSenior ExperienceLevel = "senior"
	ExperienceLead   ExperienceLevel = "lead"
)

func (l ExperienceLevel) Valid() bool {
	switch l {
	case ExperienceEntry, ExperienceJunior, ExperienceMid, ExperienceSenior, ExperienceLead:
		return true
	}
	return false
}

// Availability is the kind of engagement a talent is open to.
type Availability string

const (
	AvailabilityFullTime    Availability = "full_time"
	AvailabilityPartTime    Availability = "part_time"
	AvailabilityContract    Availability = "contract"
	AvailabilityFreelance   Availability = "freelance"
	AvailabilityUnavailable Availability = "unavailable"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityFullTime, AvailabilityPartTime, AvailabilityContract, AvailabilityFreelance, AvailabilityUnavailable:
		return true
	}
	return false
}

// ProfileRecord holds the base identity attributes of one user.
type ProfileRecord struct {
	UserID       string            `json:"user_id"`
	FullName     string            `json:"full_name"`
	AvatarURL    string            `json:"avatar_url,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Country      string            `json:"country,omitempty"`
	City         string            `json:"city,omitempty"`
	Completeness int               `json:"profile_completeness"`
	SocialLinks  map[string]string `json:"social_links,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Compensation is an hourly rate range. Zero bounds are unset.
type Compensation struct {
	Min      float64 `json:"min,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// ExtendedProfileRecord holds the talent-specific attributes of a user.
// It is optional: a user may have a ProfileRecord without one.
type ExtendedProfileRecord struct {
	UserID          string          `json:"user_id"`
	Title           string          `json:"title,omitempty"`
	Bio             string          `json:"bio,omitempty"`
	Skills          []string        `json:"skills,omitempty"`
	ExperienceLevel ExperienceLevel `json:"experience_level,omitempty"`
	Categories      []string        `json:"categories,omitempty"`
	Compensation    Compensation    `json:"compensation"`
	Availability    Availability    `json:"availability,omitempty"`
	Interests       []string        `json:"interests,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Entry is the cached view of one user. Callers always receive a copy.
type Entry struct {
	Profile       *ProfileRecord         `json:"profile"`
	Extended      *ExtendedProfileRecord `json:"extended"`
	Completeness  int                    `json:"completeness"`
	LastRefreshed time.Time              `json:"last_refreshed"`
	Stale         bool                   `json:"stale"`
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServes int64 `json:"stale_serves"`
	Rollbacks   int64 `json:"rollbacks"`
	QueueDepth  int   `json:"queue_depth"`
}

func (e Entry) clone() Entry {
	cp := e
	if e.Profile != nil {
		p := *e.Profile
		p.SocialLinks = copyStringMap(e.Profile.SocialLinks)
		cp.Profile = &p
	}
	if e.Extended != nil {
		x := *e.Extended
		x.Skills = copyStrings(e.Extended.Skills)
		x.Categories = copyStrings(e.Extended.Categories)
		x.Interests = copyStrings(e.Extended.Interests)
		cp.Extended = &x
	}
	return cp
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	cp := make([]string, len(s))
	copy(cp, s)
	return cp
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
