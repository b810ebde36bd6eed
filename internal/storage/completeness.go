package storage

import "math"

// completenessFields lists the fields that count toward the completeness
// score. Compensation counts once when either bound is set.
var completenessFields = []struct {
	collection string
	columns    []string
}{
	{CollectionProfiles, []string{"full_name"}},
	{CollectionProfiles, []string{"avatar_url"}},
	{CollectionProfiles, []string{"phone"}},
	{CollectionProfiles, []string{"country"}},
	{CollectionProfiles, []string{"city"}},
	{CollectionProfiles, []string{"social_links"}},
	{CollectionTalentProfiles, []string{"title"}},
	{CollectionTalentProfiles, []string{"bio"}},
	{CollectionTalentProfiles, []string{"skills"}},
	{CollectionTalentProfiles, []string{"experience_level"}},
	{CollectionTalentProfiles, []string{"categories"}},
	{CollectionTalentProfiles, []string{"hourly_rate_min", "hourly_rate_max"}},
	{CollectionTalentProfiles, []string{"availability"}},
	{CollectionTalentProfiles, []string{"interests"}},
}

// Score computes the completeness score (0-100) of a user from the raw rows
// of both collections. A nil row counts all of its fields as empty.
func Score(profileRow, talentRow map[string]any) int {
	rows := map[string]map[string]any{
		CollectionProfiles:       profileRow,
		CollectionTalentProfiles: talentRow,
	}

	filled := 0
	for _, f := range completenessFields {
		row := rows[f.collection]
		for _, col := range f.columns {
			if isFilled(row[col]) {
				filled++
				break
			}
		}
	}
	return int(math.Round(100 * float64(filled) / float64(len(completenessFields))))
}

func isFilled(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case float64:
		return val > 0
	case int64:
		return val > 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
