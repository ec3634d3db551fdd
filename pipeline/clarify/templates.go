package clarify

import "strings"

// templateArgs are the placeholder values substituted into a template.
type templateArgs struct {
	IntentA string
	IntentB string
	Slot    string
	Term    string
}

// Human-readable labels for intents, used inside questions. Unlisted
// intents fall back to the raw tag.
var intentLabels = map[string]string{
	"chat":              "conversar",
	"research":          "investigar información",
	"document_analysis": "analizar un documento",
	"data_analysis":     "analizar datos",
	"multi_step_task":   "realizar una tarea de varios pasos",
}

// Human-readable labels for slots.
var slotLabels = map[string]string{
	"topic":    "el tema",
	"document": "el documento",
	"dataset":  "los datos",
	"date":     "la fecha",
	"source":   "la fuente",
}

// Templates per clarification kind and language. One template is chosen
// pseudorandomly per request; the RNG is seedable for tests.
var templates = map[Kind]map[string][]string{
	KindIntentAmbiguous: {
		"es": {
			"¿Quieres {intentA} o prefieres {intentB}?",
			"No estoy seguro de si quieres {intentA} o {intentB}. ¿Cuál de las dos?",
		},
		"en": {
			"Would you like to {intentA}, or would you rather {intentB}?",
			"I'm not sure whether you want to {intentA} or {intentB}. Which one?",
		},
	},
	KindEntityAmbiguous: {
		"es": {
			"¿A qué te refieres exactamente con \"{term}\"?",
			"El término \"{term}\" puede significar varias cosas. ¿Puedes concretar?",
		},
		"en": {
			"What exactly do you mean by \"{term}\"?",
			"\"{term}\" could mean several things. Could you be more specific?",
		},
	},
	KindEntityMissing: {
		"es": {
			"Para continuar necesito saber {slot}. ¿Puedes indicarlo?",
			"Me falta {slot}. ¿Cuál es?",
		},
		"en": {
			"To continue I need to know {slot}. Could you provide it?",
			"I'm missing {slot}. What is it?",
		},
	},
	KindContextUnclear: {
		"es": {
			"No he entendido bien tu petición. ¿Puedes reformularla con más detalle?",
			"¿Podrías darme un poco más de contexto sobre lo que necesitas?",
		},
		"en": {
			"I didn't quite understand your request. Could you rephrase it with more detail?",
			"Could you give me a bit more context about what you need?",
		},
	},
}

// renderTemplate picks one template for the kind/language pair and fills
// the placeholders. Unknown languages default to Spanish.
func (p *Policy) renderTemplate(kind Kind, language string, args templateArgs) string {
	byLang, ok := templates[kind]
	if !ok {
		byLang = templates[KindContextUnclear]
	}
	set, ok := byLang[language]
	if !ok || len(set) == 0 {
		set = byLang["es"]
	}

	p.mu.Lock()
	tmpl := set[p.rng.Intn(len(set))]
	p.mu.Unlock()

	r := strings.NewReplacer(
		"{intentA}", intentLabel(args.IntentA),
		"{intentB}", intentLabel(args.IntentB),
		"{slot}", slotLabel(args.Slot),
		"{term}", args.Term,
	)
	return r.Replace(tmpl)
}

func intentLabel(intent string) string {
	if label, ok := intentLabels[intent]; ok {
		return label
	}
	return intent
}

func slotLabel(slot string) string {
	if label, ok := slotLabels[slot]; ok {
		return label
	}
	return slot
}
