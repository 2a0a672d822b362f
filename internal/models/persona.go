package models

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Persona is the farmer a batch of questions is written as.
type Persona struct {
	Name              string   `json:"name"`
	Age               int      `json:"age"`
	Region            string   `json:"region"`
	FarmingType       string   `json:"farming_type"`
	Challenges        []string `json:"challenges"`
	PersonalityTraits []string `json:"personality_traits"`
	SpeakingStyle     string   `json:"speaking_style"`
	BackgroundStory   string   `json:"background_story"`
}

// String is the short label used in logs and stored rows.
func (p Persona) String() string {
	if p.Name == "" {
		return ""
	}
	if p.Region == "" {
		return p.Name
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.Region)
}

// XML renders the persona block injected into the system prompt.
func (p Persona) XML() string {
	var sb strings.Builder
	sb.WriteString("<persona>\n")
	field := func(tag, value string) {
		sb.WriteString("    <" + tag + ">")
		_ = xml.EscapeText(&sb, []byte(value))
		sb.WriteString("</" + tag + ">\n")
	}
	field("name", p.Name)
	if p.Age > 0 {
		field("age", fmt.Sprint(p.Age))
	}
	field("region", p.Region)
	field("farming_type", p.FarmingType)
	field("challenges", strings.Join(p.Challenges, ", "))
	field("personality", strings.Join(p.PersonalityTraits, ", "))
	field("speaking_style", p.SpeakingStyle)
	field("background", p.BackgroundStory)
	sb.WriteString("</persona>")
	return sb.String()
}
