package httpx

import (
	"time"

	"github.com/ctflabs/instancer/internal/domain"
)

func instancePayload(inst domain.Instance) map[string]any {
	return map[string]any{
		"id":          inst.ID,
		"template_id": inst.TemplateID,
		"owner_id":    inst.OwnerID,
		"status":      string(inst.Status),
		"endpoint":    inst.Endpoint,
		"created_at":  inst.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at":  inst.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// templatePayload augments a catalog entry with whether the requesting owner
// already holds an active instance of it.
func templatePayload(tmpl domain.Template, inUse bool) map[string]any {
	return map[string]any{
		"id":       tmpl.ID,
		"name":     tmpl.Name,
		"category": tmpl.Category,
		"port":     tmpl.Port,
		"in_use":   inUse,
	}
}

func instancePayloads(list []domain.Instance) []map[string]any {
	payloads := make([]map[string]any, 0, len(list))
	for _, inst := range list {
		payloads = append(payloads, instancePayload(inst))
	}
	return payloads
}
