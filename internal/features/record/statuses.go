package record

var legalStatuses = map[string][]string{
	"priorities":  {"open", "in_progress", "blocked", "done", "archived"},
	"initiatives": {"draft", "active", "on_hold", "completed", "archived"},
	"contacts":    {"lead", "prospect", "customer", "churned"},
}

// IsLegalStatus reports whether status is a valid target for the entity type.
// Unknown entity types accept nothing, so automation cannot write a status
// the rest of the app does not understand.
func IsLegalStatus(entityType, status string) bool {
	for _, s := range legalStatuses[entityType] {
		if s == status {
			return true
		}
	}
	return false
}
