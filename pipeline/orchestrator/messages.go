package orchestrator

import "github.com/convopipe/convopipe/pipeline/contract"

// User-facing degraded messages. The service answers in Spanish by
// default; these are the texts surfaced when the pipeline cannot produce
// a real answer.
var fallbackMessages = map[contract.ErrorCode]string{
	contract.CodeTimeoutPreprocess: "Lo siento, tu mensaje está tardando más de lo esperado en procesarse. Por favor, inténtalo de nuevo.",
	contract.CodeTimeoutNLU:        "Lo siento, no he podido analizar tu mensaje a tiempo. ¿Puedes intentarlo de nuevo?",
	contract.CodeTimeoutRetrieval:  "Lo siento, la búsqueda de información está tardando demasiado. Responderé con lo que sé.",
	contract.CodeTimeoutGeneration: "Lo siento, la respuesta está tardando más de lo esperado. Por favor, inténtalo de nuevo en unos segundos.",
	contract.CodeUpstream429:       "Estamos recibiendo muchas peticiones en este momento. Por favor, espera unos segundos y vuelve a intentarlo.",
	contract.CodeUpstream5xx:       "Ha ocurrido un problema temporal con el servicio. Por favor, inténtalo de nuevo en un momento.",
	contract.CodeEmptyRetrieval:    "No he encontrado información sobre ese tema en mi base de conocimiento. ¿Puedes darme más detalles o preguntar de otra forma?",
	contract.CodeLowConfidence:     "No estoy seguro de haber entendido tu petición. ¿Puedes reformularla?",
	contract.CodeGarbageInput:      "No he podido interpretar tu mensaje. ¿Puedes escribirlo de nuevo con otras palabras?",
	contract.CodeCircuitOpen:       "El servicio está temporalmente saturado. Por favor, inténtalo de nuevo en unos minutos.",
	contract.CodeRateLimited:       "Has enviado demasiadas peticiones seguidas. Espera un momento antes de volver a intentarlo.",
}

// FallbackMessage returns the user-facing text for a degraded outcome.
func FallbackMessage(code contract.ErrorCode) string {
	if msg, ok := fallbackMessages[code]; ok {
		return msg
	}
	return fallbackMessages[contract.CodeUpstream5xx]
}
