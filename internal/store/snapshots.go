package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindSnapshot loads the stored document state for roomName.
func (service *Service) FindSnapshot(ctx context.Context, rawRoomName string) (RoomSnapshot, bool, error) {
	if service.db == nil {
		return RoomSnapshot{}, false, newServiceError(opFindSnapshot, reasonMissingDatabase, errMissingDatabase)
	}
	roomName, err := validateIdentifier(ErrInvalidRoomName, rawRoomName)
	if err != nil {
		return RoomSnapshot{}, false, newServiceError(opFindSnapshot, reasonInvalidID, err)
	}
	var snapshot RoomSnapshot
	err = service.db.WithContext(ctx).Where(queryRoomName, roomName).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomSnapshot{}, false, nil
	}
	if err != nil {
		service.logError(opFindSnapshot, reasonQueryFailed, err, zap.String(fieldRoomName, roomName))
		return RoomSnapshot{}, false, newServiceError(opFindSnapshot, reasonQueryFailed, err)
	}
	return snapshot, true, nil
}

// SaveSnapshot overwrites the stored state for roomName. Saving identical bytes is a no-op; the
// returned flag reports whether a row was written.
func (service *Service) SaveSnapshot(ctx context.Context, rawRoomName string, data []byte) (bool, error) {
	if service.db == nil {
		return false, newServiceError(opSaveSnapshot, reasonMissingDatabase, errMissingDatabase)
	}
	roomName, err := validateIdentifier(ErrInvalidRoomName, rawRoomName)
	if err != nil {
		return false, newServiceError(opSaveSnapshot, reasonInvalidID, err)
	}
	dataHash := hashSnapshot(data)

	written := false
	txErr := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing RoomSnapshot
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRoomName, roomName).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := transaction.Create(&RoomSnapshot{
				RoomName:         roomName,
				Data:             data,
				DataHash:         dataHash,
				UpdatedAtSeconds: service.nowSeconds(),
			}).Error; err != nil {
				service.logError(opSaveSnapshot, reasonInsertFailed, err, zap.String(fieldRoomName, roomName))
				return newServiceError(opSaveSnapshot, reasonInsertFailed, err)
			}
			written = true
			return nil
		}
		if err != nil {
			service.logError(opSaveSnapshot, reasonQueryFailed, err, zap.String(fieldRoomName, roomName))
			return newServiceError(opSaveSnapshot, reasonQueryFailed, err)
		}
		if existing.DataHash == dataHash {
			return nil
		}
		existing.Data = data
		existing.DataHash = dataHash
		existing.UpdatedAtSeconds = service.nowSeconds()
		if err := transaction.Save(&existing).Error; err != nil {
			service.logError(opSaveSnapshot, reasonUpdateFailed, err, zap.String(fieldRoomName, roomName))
			return newServiceError(opSaveSnapshot, reasonUpdateFailed, err)
		}
		written = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return written, nil
}

func hashSnapshot(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
