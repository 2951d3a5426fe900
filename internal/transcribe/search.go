package transcribe

import (
	"strings"

	"github.com/LastBotInc/coralie-interview-session/internal/models"
)

// Search returns the IDs of segments whose text contains query, ignoring
// case. The query is matched as given, whitespace included. An empty query
// matches nothing.
func Search(segments []models.Segment, query string) []string {
	if query == "" {
		return nil
	}
	q := strings.ToLower(query)
	var ids []string
	for _, s := range segments {
		if strings.Contains(strings.ToLower(s.Text), q) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
