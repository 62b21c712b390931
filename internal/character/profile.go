package character

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/policy"
)

// Profile is the attribute set describing a companion character. It is a
// value: the bridge copies it into each session and never mutates it.
type Profile struct {
	Name        string `json:"name,omitempty" yaml:"name"`
	HairColor   string `json:"hair_color,omitempty" yaml:"hair_color"`
	HairStyle   string `json:"hair_style,omitempty" yaml:"hair_style"`
	EyeColor    string `json:"eye_color,omitempty" yaml:"eye_color"`
	BodyType    string `json:"body_type,omitempty" yaml:"body_type"`
	Personality string `json:"personality,omitempty" yaml:"personality"`
	Interests   string `json:"interests,omitempty" yaml:"interests"`
	Hobbies     string `json:"hobbies,omitempty" yaml:"hobbies"`
	Traits      string `json:"traits,omitempty" yaml:"traits"`
	Voice       string `json:"voice,omitempty" yaml:"voice"`
}

// UnmarshalJSON also accepts the camelCase spellings of the multi-word keys
// (hairColor, hairStyle, eyeColor, bodyType). The snake_case key wins when a
// payload carries both.
func (p *Profile) UnmarshalJSON(data []byte) error {
	type plain Profile
	var aux struct {
		plain
		HairColorCamel string `json:"hairColor"`
		HairStyleCamel string `json:"hairStyle"`
		EyeColorCamel  string `json:"eyeColor"`
		BodyTypeCamel  string `json:"bodyType"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	out := Profile(aux.plain)
	for _, alias := range []struct {
		dst *string
		src string
	}{
		{&out.HairColor, aux.HairColorCamel},
		{&out.HairStyle, aux.HairStyleCamel},
		{&out.EyeColor, aux.EyeColorCamel},
		{&out.BodyType, aux.BodyTypeCamel},
	} {
		if *alias.dst == "" {
			*alias.dst = alias.src
		}
	}
	*p = out
	return nil
}

// Field length limits, in runes.
const (
	MaxNameLen       = 64
	MaxDescriptorLen = 64
	MaxFreeTextLen   = 400
	MaxVoiceLen      = 32
)

type fieldRule struct {
	name     string
	max      int
	freeText bool
	get      func(*Profile) *string
}

var fieldRules = []fieldRule{
	{"name", MaxNameLen, false, func(p *Profile) *string { return &p.Name }},
	{"hair_color", MaxDescriptorLen, false, func(p *Profile) *string { return &p.HairColor }},
	{"hair_style", MaxDescriptorLen, false, func(p *Profile) *string { return &p.HairStyle }},
	{"eye_color", MaxDescriptorLen, false, func(p *Profile) *string { return &p.EyeColor }},
	{"body_type", MaxDescriptorLen, false, func(p *Profile) *string { return &p.BodyType }},
	{"personality", MaxDescriptorLen, false, func(p *Profile) *string { return &p.Personality }},
	{"interests", MaxFreeTextLen, true, func(p *Profile) *string { return &p.Interests }},
	{"hobbies", MaxFreeTextLen, true, func(p *Profile) *string { return &p.Hobbies }},
	{"traits", MaxFreeTextLen, true, func(p *Profile) *string { return &p.Traits }},
	{"voice", MaxVoiceLen, false, func(p *Profile) *string { return &p.Voice }},
}

// Sanitize returns a cleaned copy of p suitable for interpolation into model
// instructions. Control characters are stripped and personal data in free-text
// fields is redacted. Oversized fields and instruction-like text are rejected
// with a bridgeerr.KindInvalidInput error listing every violation.
func Sanitize(p Profile) (Profile, error) {
	out := p
	var violations []string
	for _, rule := range fieldRules {
		v := rule.get(&out)
		clean := policy.StripControl(*v)
		if n := utf8.RuneCountInString(clean); n > rule.max {
			violations = append(violations, fmt.Sprintf("%s: %d characters exceeds limit of %d", rule.name, n, rule.max))
			continue
		}
		if policy.LooksLikeInjection(clean) {
			violations = append(violations, fmt.Sprintf("%s: contains instruction-like text", rule.name))
			continue
		}
		if rule.freeText {
			clean, _ = policy.RedactPII(clean)
		}
		*v = clean
	}
	if len(violations) > 0 {
		return Profile{}, bridgeerr.Invalid(violations)
	}
	return out, nil
}
