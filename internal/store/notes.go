package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NoteContent is the projection written back from a note room.
type NoteContent struct {
	Title     string
	Content   string
	UpdatedBy string
}

// CreateNote inserts note, issuing an id and timestamps when they are missing.
func (service *Service) CreateNote(ctx context.Context, note Note) (Note, error) {
	if service.db == nil {
		return Note{}, newServiceError(opCreateNote, reasonMissingDatabase, errMissingDatabase)
	}
	noteID, err := service.assignID(ErrInvalidNoteID, note.NoteID)
	if err != nil {
		service.logError(opCreateNote, reasonInvalidID, err)
		return Note{}, newServiceError(opCreateNote, reasonInvalidID, err)
	}
	note.NoteID = noteID
	now := service.nowSeconds()
	if note.CreatedAtSeconds == 0 {
		note.CreatedAtSeconds = now
	}
	if note.UpdatedAtSeconds == 0 {
		note.UpdatedAtSeconds = note.CreatedAtSeconds
	}
	note.CreatedBy = actorOrSystem(note.CreatedBy)
	if note.UpdatedBy == "" {
		note.UpdatedBy = note.CreatedBy
	}
	if note.Visibility == "" {
		note.Visibility = VisibilityPrivate
	}
	if err := service.db.WithContext(ctx).Create(&note).Error; err != nil {
		service.logError(opCreateNote, reasonInsertFailed, err, zap.String(fieldNoteID, noteID))
		return Note{}, newServiceError(opCreateNote, reasonInsertFailed, err)
	}
	return note, nil
}

// FindNote loads a note and reports whether it exists.
func (service *Service) FindNote(ctx context.Context, rawNoteID string) (Note, bool, error) {
	if service.db == nil {
		return Note{}, false, newServiceError(opFindNote, reasonMissingDatabase, errMissingDatabase)
	}
	noteID, err := validateIdentifier(ErrInvalidNoteID, rawNoteID)
	if err != nil {
		return Note{}, false, newServiceError(opFindNote, reasonInvalidID, err)
	}
	var note Note
	err = service.db.WithContext(ctx).Where(queryNoteID, noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, false, nil
	}
	if err != nil {
		service.logError(opFindNote, reasonQueryFailed, err, zap.String(fieldNoteID, noteID))
		return Note{}, false, newServiceError(opFindNote, reasonQueryFailed, err)
	}
	return note, true, nil
}

// UpdateNoteContent writes title and content when either differs from the stored row and reports
// whether a write happened.
func (service *Service) UpdateNoteContent(ctx context.Context, rawNoteID string, content NoteContent) (bool, error) {
	if service.db == nil {
		return false, newServiceError(opUpdateNoteContent, reasonMissingDatabase, errMissingDatabase)
	}
	noteID, err := validateIdentifier(ErrInvalidNoteID, rawNoteID)
	if err != nil {
		return false, newServiceError(opUpdateNoteContent, reasonInvalidID, err)
	}

	updated := false
	txErr := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing Note
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryNoteID, noteID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateNoteContent, reasonNotFound, ErrNotFound)
		}
		if err != nil {
			service.logError(opUpdateNoteContent, reasonQueryFailed, err, zap.String(fieldNoteID, noteID))
			return newServiceError(opUpdateNoteContent, reasonQueryFailed, err)
		}
		if existing.Title == content.Title && existing.Content == content.Content {
			return nil
		}
		err = transaction.Model(&Note{}).
			Where(queryNoteID, noteID).
			Updates(map[string]any{
				"title":        content.Title,
				"content":      content.Content,
				"updated_at_s": service.nowSeconds(),
				"updated_by":   actorOrSystem(content.UpdatedBy),
			}).Error
		if err != nil {
			service.logError(opUpdateNoteContent, reasonUpdateFailed, err, zap.String(fieldNoteID, noteID))
			return newServiceError(opUpdateNoteContent, reasonUpdateFailed, err)
		}
		updated = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return updated, nil
}
