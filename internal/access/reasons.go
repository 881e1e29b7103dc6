package access

import (
	"golang.org/x/text/language"
)

// Deny reasons are stable codes; human-readable text is a presentation
// concern resolved per locale at the edge (operator consoles, reader
// displays).

var reasonCatalog = map[language.Tag]map[Reason]string{
	language.English: {
		ReasonGranted:                "Access granted",
		ReasonInsufficientPermission: "You do not have permission to use this access point",
		ReasonAntiPassbackViolation:  "Re-entry blocked: no matching exit on record",
		ReasonInterlockViolation:     "Another door in this interlock group is open",
		ReasonUnknownAccessPoint:     "Unknown access point",
		ReasonInvalidCredential:      "Invalid credential",
		ReasonStoreUnavailable:       "Access control temporarily unavailable",
	},
	language.Spanish: {
		ReasonGranted:                "Acceso concedido",
		ReasonInsufficientPermission: "No tiene permiso para usar este punto de acceso",
		ReasonAntiPassbackViolation:  "Reingreso bloqueado: no hay salida registrada",
		ReasonInterlockViolation:     "Otra puerta de este grupo de enclavamiento está abierta",
		ReasonUnknownAccessPoint:     "Punto de acceso desconocido",
		ReasonInvalidCredential:      "Credencial no válida",
		ReasonStoreUnavailable:       "Control de acceso no disponible temporalmente",
	},
}

var reasonMatcher = language.NewMatcher([]language.Tag{
	language.English,
	language.Spanish,
})

// ReasonText returns the localized text for a reason code, negotiating
// the closest supported language from an Accept-Language style list.
// Unknown codes fall back to the code itself so a new reason is never
// rendered blank.
func ReasonText(reason Reason, accept string) string {
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		tags = []language.Tag{language.English}
	}
	tag, _, _ := reasonMatcher.Match(tags...)
	base, _ := tag.Base()
	resolved := language.Make(base.String())
	catalog, ok := reasonCatalog[resolved]
	if !ok {
		catalog = reasonCatalog[language.English]
	}
	if text, ok := catalog[reason]; ok {
		return text
	}
	return string(reason)
}
