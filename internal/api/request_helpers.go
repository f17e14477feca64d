package api

import "github.com/google/uuid"

// idStrings renders entry IDs for response payloads.
func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
