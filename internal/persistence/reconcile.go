package persistence

import (
	"encoding/json"
	"sort"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/whiteboard"
)

// PlanViewObjects computes the changes that make rows match the view-object entries of a document.
// Rows whose id is absent from entries are deleted, entries without a row are created, and entries
// whose name, type or data differ from their row are updated. An entry that cannot be decoded is
// never deleted and never written.
func PlanViewObjects(entries map[string]json.RawMessage, rows []store.ViewObject, actor string) store.ViewObjectChanges {
	existing := make(map[string]store.ViewObject, len(rows))
	for _, row := range rows {
		existing[row.ObjectID] = row
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var changes store.ViewObjectChanges
	for _, id := range ids {
		var entry whiteboard.ViewObject
		if err := json.Unmarshal(entries[id], &entry); err != nil {
			continue
		}
		projected := store.ViewObject{
			ObjectID:   id,
			Name:       entry.Name,
			ObjectType: entry.Type,
			Data:       whiteboard.DataText(entry.Data),
		}
		row, found := existing[id]
		if !found {
			projected.CreatedBy = firstNonEmpty(entry.CreatedBy, actor, store.SystemActor)
			projected.UpdatedBy = firstNonEmpty(entry.UpdatedBy, projected.CreatedBy)
			projected.CreatedAtSeconds = entry.CreatedAtSeconds
			changes.Create = append(changes.Create, projected)
			continue
		}
		if row.Name == projected.Name && row.ObjectType == projected.ObjectType && row.Data == projected.Data {
			continue
		}
		projected.UpdatedBy = firstNonEmpty(entry.UpdatedBy, actor)
		changes.Update = append(changes.Update, projected)
	}

	for _, row := range rows {
		if _, ok := entries[row.ObjectID]; !ok {
			changes.Delete = append(changes.Delete, row.ObjectID)
		}
	}
	sort.Strings(changes.Delete)
	return changes
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
