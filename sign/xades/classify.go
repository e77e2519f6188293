package xades

// Attributes are the parsed facts the profile classifier looks at.
type Attributes struct {
	Level    Level
	PolicyID string
	TimeMark bool
}

// Attributes returns the classifier input of p.
func (p *ParsedSignature) Attributes() Attributes {
	return Attributes{Level: p.Level, PolicyID: p.PolicyID, TimeMark: p.TimeMark}
}

type classificationRule struct {
	match   func(Attributes) bool
	profile Profile
}

// Rules are evaluated in order and the first match wins. The time-mark policy
// makes a signature LT_TM whatever its level.
var classificationRules = []classificationRule{
	{
		match:   func(a Attributes) bool { return a.Level == LevelB && a.PolicyID != "" && !a.TimeMark },
		profile: ProfileEPES,
	},
	{
		match:   func(a Attributes) bool { return a.Level == LevelB && a.PolicyID == "" },
		profile: ProfileBES,
	},
	{
		match:   func(a Attributes) bool { return a.TimeMark },
		profile: ProfileTimeMark,
	},
	{
		match:   func(a Attributes) bool { return a.Level == LevelLTA || a.Level == LevelA },
		profile: ProfileLTA,
	},
}

// Classify maps parsed signature attributes to a profile.
func Classify(a Attributes) Profile {
	for _, r := range classificationRules {
		if r.match(a) {
			return r.profile
		}
	}
	return ProfileLT
}
