// Package persona produces the farmer profiles that condition generation.
package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/intentmix/internal/llm"
	"github.com/raphaelgruber/intentmix/internal/models"
)

// Source returns a persona for a batch. seed is optional operator text such as
// "an anxious cotton farmer from Vidarbha".
type Source interface {
	Persona(ctx context.Context, seed string) (models.Persona, error)
}

// Completer is the part of the model call chain the generator needs.
type Completer interface {
	Complete(ctx context.Context, prompt, system string) (llm.Completion, error)
}

const systemPrompt = `You are an expert creative writer and agricultural sociologist.
Create detailed, realistic personas of Indian farmers. They are used to test an
agricultural chatbot. Vary demographics, regions and challenges. The persona
should feel authentic and specific.`

// Generator asks the model call chain for a persona and falls back to a
// static one when the call or the reply fails.
type Generator struct {
	chain    Completer
	fallback Static
}

var _ Source = (*Generator)(nil)

// NewGenerator creates a Generator.
func NewGenerator(chain Completer) *Generator {
	return &Generator{chain: chain}
}

// Persona generates one persona.
func (g *Generator) Persona(ctx context.Context, seed string) (models.Persona, error) {
	completion, err := g.chain.Complete(ctx, buildPrompt(seed), systemPrompt)
	if err != nil {
		if ctx.Err() != nil {
			return models.Persona{}, ctx.Err()
		}
		slog.Warn("persona generation failed, using static persona", "error", err)
		return g.fallback.Persona(ctx, seed)
	}

	p, err := Parse(completion.Text)
	if err != nil {
		slog.Warn("persona reply unusable, using static persona", "provider", completion.Provider, "error", err)
		return g.fallback.Persona(ctx, seed)
	}
	slog.Info("generated persona", "name", p.Name, "region", p.Region, "provider", completion.Provider)
	return p, nil
}

func buildPrompt(seed string) string {
	var sb strings.Builder
	sb.WriteString("Generate a detailed Indian farmer persona.\n\n")
	if seed = strings.TrimSpace(seed); seed != "" {
		fmt.Fprintf(&sb, "Context/Requirements: %s\n\n", seed)
	} else {
		sb.WriteString("Ensure diversity in region and farming type.\n\n")
	}
	sb.WriteString(`Respond with one JSON object and nothing else:
{"name": "", "age": 0, "region": "", "farming_type": "", "challenges": [],
 "personality_traits": [], "speaking_style": "", "background_story": ""}`)
	return sb.String()
}

// Parse decodes a persona reply, tolerating markdown fences around the JSON.
func Parse(text string) (models.Persona, error) {
	text = strings.TrimSpace(text)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		text = text[start : end+1]
	}

	var p models.Persona
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return models.Persona{}, fmt.Errorf("decode persona: %w", err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return models.Persona{}, fmt.Errorf("decode persona: missing name")
	}
	return p, nil
}

// Static always returns the same persona. The seed text, when given, becomes
// the background story.
type Static struct{}

var _ Source = Static{}

func (Static) Persona(_ context.Context, seed string) (models.Persona, error) {
	p := models.Persona{
		Name:              "Ramesh Patil",
		Age:               46,
		Region:            "Vidarbha, Maharashtra",
		FarmingType:       "smallholder cotton and soybean",
		Challenges:        []string{"erratic monsoon", "pest attacks", "crop loans"},
		PersonalityTraits: []string{"practical", "worried", "skeptical of advice"},
		SpeakingStyle:     "short, informal messages mixing several worries at once",
		BackgroundStory:   "Farms seven acres of rainfed land and sells at the local mandi.",
	}
	if seed = strings.TrimSpace(seed); seed != "" {
		p.BackgroundStory = seed
	}
	return p, nil
}
