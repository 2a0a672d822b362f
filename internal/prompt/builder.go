// Package prompt renders the system, generation and review prompts sent
// through the model call chain.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/models"
	"github.com/raphaelgruber/intentmix/internal/similarity"
)

// MaxReferences caps the reference questions shown in one generation prompt.
const MaxReferences = 8

// diversityAfter is the generated count after which the prompt asks for new angles.
const diversityAfter = 20

// DefaultCapabilities describes the chatbot under test when no agent prompt
// file is configured.
const DefaultCapabilities = `An agricultural assistant for Indian farmers. It answers questions about
crop cultivation, pests and diseases, fertilizers, irrigation, weather, mandi
prices, government schemes and subsidies, loans and insurance, livestock, and
soil health. It routes every message to exactly one intent.`

var confusionTechniques = map[models.Difficulty][]string{
	models.DifficultyMedium: {
		"Combine two related but distinct domains in one question",
		"Use phrasing that could apply to multiple agricultural contexts",
		"Ask about a topic that spans two intent categories",
	},
	models.DifficultyHard: {
		"Use ambiguous phrasing that makes intent classification unclear",
		"Mix location-specific context with unrelated topics",
		"Combine temporal queries with procedural questions",
		"Ask compound questions spanning different agricultural domains",
		"Use conditional phrasing (if/then) that involves multiple intents",
	},
	models.DifficultyExpert: {
		"Create a question where 3+ intents are genuinely interleaved",
		"Use hypothetical scenarios that blend weather, pricing, and farming advice",
		"Embed a subsidy/scheme question inside a cultivation query",
		"Mix livestock and crop concerns in a single natural question",
		"Ask about cascading effects that cross multiple intent domains",
		"Create a question with implicit intent that requires deep parsing",
	},
}

// Techniques returns the confusion techniques for d. Unknown levels get the
// hard list.
func Techniques(d models.Difficulty) []string {
	if t, ok := confusionTechniques[d]; ok {
		return t
	}
	return confusionTechniques[models.DifficultyHard]
}

// LoadCapabilities reads the chatbot capability text from path. An empty path
// returns DefaultCapabilities.
func LoadCapabilities(path string) (string, error) {
	if path == "" {
		return DefaultCapabilities, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read agent prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return DefaultCapabilities, nil
	}
	return text, nil
}

// System builds the system prompt. A nil persona leaves the persona block out.
func System(capabilities string, persona *models.Persona) string {
	var sb strings.Builder
	sb.WriteString("You are an expert question designer for evaluating agricultural chatbots. ")
	sb.WriteString("Your goal is to generate realistic, confusing, multi-intent questions that a real farmer might ask. ")
	sb.WriteString("These questions should be challenging for intent classification systems to categorize correctly.\n\n")

	if persona != nil {
		sb.WriteString("ADOPT THE FOLLOWING PERSONA:\n")
		sb.WriteString(persona.XML())
		sb.WriteString("\n\nSpeak, think, and ask questions exactly as this farmer would. ")
		sb.WriteString("Use their vocabulary, concerns, and perspective.\n\n")
	}

	sb.WriteString("The chatbot you are testing has the following capabilities:\n")
	sb.WriteString(capabilities)
	sb.WriteString("\n\nIMPORTANT: Generate all questions in ENGLISH only.")
	return sb.String()
}

// Generation is the input for one generation prompt.
type Generation struct {
	Mix        intent.Mix
	Catalog    *intent.Catalog
	References []similarity.Match
	Difficulty models.Difficulty
	// Count is the number of questions requested from this call.
	Count int
	// Generated is the number of questions accepted so far in the run.
	Generated int
}

// Build renders the generation prompt.
func (g Generation) Build() string {
	var sb strings.Builder

	sb.WriteString("## TARGET INTENT MIX\n\n")
	sb.WriteString("Generate questions that blend the following intents. ")
	sb.WriteString("Each question should genuinely confuse an intent classifier about which category it belongs to.\n\n")

	names := make([]string, 0, len(g.Mix))
	weights := make([]string, 0, len(g.Mix))
	for _, e := range g.Mix {
		def, ok := g.Catalog.Get(e.ID)
		if !ok {
			def = intent.Definition{ID: e.ID, Name: e.ID}
		}
		names = append(names, def.Name)
		weights = append(weights, fmt.Sprintf("%s=%.2f", def.Name, e.Weight))

		fmt.Fprintf(&sb, "- [%s] %s (weight %.2f)\n", e.ID, def.Name, e.Weight)
		if def.PrimaryIntent != "" {
			fmt.Fprintf(&sb, "  Primary intent: %s\n", def.PrimaryIntent)
		}
		if len(def.KeySignals) > 0 {
			fmt.Fprintf(&sb, "  Key signals: %s\n", strings.Join(def.KeySignals, ", "))
		}
		if def.Description != "" {
			fmt.Fprintf(&sb, "  Description: %s\n", def.Description)
		}
	}

	if len(g.References) > 0 {
		sb.WriteString("\n## REFERENCE QUESTIONS (DO NOT DUPLICATE)\n\n")
		sb.WriteString("These are existing questions. Use them as stylistic reference but DO NOT copy or closely paraphrase them:\n")
		for i, ref := range g.References[:min(len(g.References), MaxReferences)] {
			fmt.Fprintf(&sb, "  %d. %s (similarity: %.2f)\n", i+1, oneLine(ref.Text), ref.Score)
		}
	}

	difficulty := g.Difficulty
	if difficulty == "" {
		difficulty = models.DifficultyMedium
	}

	sb.WriteString("\n## GENERATION REQUIREMENTS\n\n")
	fmt.Fprintf(&sb, "- Generate exactly %d questions\n", max(g.Count, 1))
	fmt.Fprintf(&sb, "- Each question must blend %d intents: %s\n", len(g.Mix), strings.Join(names, ", "))
	fmt.Fprintf(&sb, "- Intent weight distribution: %s\n", strings.Join(weights, ", "))
	fmt.Fprintf(&sb, "- Difficulty level: %s\n", strings.ToUpper(string(difficulty)))
	sb.WriteString("- All questions must be in English\n")
	sb.WriteString("- Questions must be realistic, something a farmer would actually ask\n")
	sb.WriteString("- Questions must be answerable by an agricultural chatbot\n")
	sb.WriteString("- Questions should test edge cases of intent classification\n")

	sb.WriteString("\n## CONFUSION TECHNIQUES\n\n")
	fmt.Fprintf(&sb, "Difficulty: %s\n", difficulty)
	for _, t := range Techniques(difficulty) {
		fmt.Fprintf(&sb, "- %s\n", t)
	}

	if g.Generated > diversityAfter {
		sb.WriteString("\n## DIVERSITY NOTE\n\n")
		fmt.Fprintf(&sb, "You have already generated %d questions. ", g.Generated)
		sb.WriteString("Explore NEW angles, crop types, locations and phrasings. Avoid repeating patterns from earlier questions.\n")
	}

	sb.WriteString(outputFormat)
	return sb.String()
}

const outputFormat = `
## OUTPUT FORMAT

Respond with a JSON array. Each element must be an object with these fields:
` + "```json" + `
[
  {
    "question": "The generated question text in English",
    "expected_intents": ["<intent id>", "<intent id>"],
    "confusion_points": "Brief explanation of why this is confusing for classifiers",
    "difficulty": "medium | hard | expert"
  }
]
` + "```" + `
Return ONLY the JSON array, no other text.`

// RepresentativeQuery builds the retrieval query for a mix: each intent's name
// followed by up to three of its key signals.
func RepresentativeQuery(c *intent.Catalog, mix intent.Mix) string {
	var parts []string
	for _, e := range mix {
		def, ok := c.Get(e.ID)
		if !ok {
			continue
		}
		parts = append(parts, def.Name)
		parts = append(parts, def.KeySignals[:min(len(def.KeySignals), 3)]...)
	}
	return strings.Join(parts, " ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
