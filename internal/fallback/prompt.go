package fallback

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultPersona is used when the configuration leaves the persona empty.
const DefaultPersona = `You are a friendly customer service assistant chatting over a messaging app.
Keep replies short and conversational, as a person typing on a phone would.
If you do not know the answer, say so and offer to connect the customer with the team.
Never invent prices, policies or availability.`

// PromptInput is everything that goes into the system instructions.
type PromptInput struct {
	Persona       string
	Profile       map[string]string
	Knowledge     []models.KnowledgeItem
	Fidelity      string
	Prices        []models.PriceRecord
	OperatorRules []string
}

// FidelityInstruction tells the model how closely to follow injected knowledge.
func FidelityInstruction(level string) string {
	switch level {
	case config.FidelityExact:
		return "Copy the matching answer word for word. Do not rephrase, shorten or extend it."
	case config.FidelityEnhanced:
		return "You may reorganize and improve the matching answer for clarity, but every fact must stay exactly as written."
	case config.FidelityCreative:
		return "Restyle the matching answer naturally in your own voice. Facts and numbers must stay exact."
	default:
		return "Use the matching answer as written, fixing only grammar and spelling. Do not change its meaning."
	}
}

// BuildSystemPrompt assembles the system message for a fallback reply.
func BuildSystemPrompt(in PromptInput) string {
	var b strings.Builder

	persona := strings.TrimSpace(in.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	b.WriteString(persona)

	if name := strings.TrimSpace(in.Profile["name"]); name != "" {
		fmt.Fprintf(&b, "\n\nThe customer's name is %s. Use it when it feels natural.", name)
	}

	if len(in.Knowledge) > 0 {
		b.WriteString("\n\nKnowledge from our team (answer from this when it applies):")
		for i, k := range in.Knowledge {
			fmt.Fprintf(&b, "\n%d. Q: %s\n   A: %s", i+1, strings.TrimSpace(k.Question), strings.TrimSpace(k.Answer))
		}
		b.WriteString("\n")
		b.WriteString(FidelityInstruction(in.Fidelity))
	}

	if len(in.Prices) > 0 {
		b.WriteString("\n\nCurrent prices. Trust these over any price mentioned in the knowledge snippets:")
		for _, p := range in.Prices {
			b.WriteString("\n- ")
			b.WriteString(p.Product)
			if p.Variant != "" {
				b.WriteString(" (" + p.Variant + ")")
			}
			b.WriteString(": " + strconv.FormatFloat(p.Price, 'f', 2, 64))
			if p.Currency != "" {
				b.WriteString(" " + p.Currency)
			}
		}
	}

	var rules []string
	for _, r := range in.OperatorRules {
		if r = strings.TrimSpace(r); r != "" {
			rules = append(rules, r)
		}
	}
	if len(rules) > 0 {
		b.WriteString("\n\nOperator rules. These have the highest priority and override everything above, including the persona:")
		for _, r := range rules {
			b.WriteString("\n- " + r)
		}
	}
	return b.String()
}
