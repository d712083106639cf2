// Package store persists notes, views, view objects and room snapshots through GORM.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code for every store failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew             = "store.service.new"
	opCreateNote             = "store.create_note"
	opFindNote               = "store.find_note"
	opUpdateNoteContent      = "store.update_note_content"
	opCreateView             = "store.create_view"
	opFindView               = "store.find_view"
	opUpdateViewData         = "store.update_view_data"
	opCreateViewObject       = "store.create_view_object"
	opListViewObjects        = "store.list_view_objects"
	opApplyViewObjectChanges = "store.apply_view_object_changes"
	opFindSnapshot           = "store.find_snapshot"
	opSaveSnapshot           = "store.save_snapshot"

	reasonMissingDatabase = "missing_database"
	reasonInvalidID       = "invalid_id"
	reasonIDGeneration    = "id_generation_failed"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonNotFound        = "not_found"

	fieldNoteID   = "note_id"
	fieldViewID   = "view_id"
	fieldObjectID = "object_id"
	fieldRoomName = "room_name"

	queryNoteID         = fieldNoteID + " = ?"
	queryViewID         = fieldViewID + " = ?"
	queryRoomName       = fieldRoomName + " = ?"
	queryViewObject     = fieldViewID + " = ? AND " + fieldObjectID + " = ?"
	queryViewObjectsIn  = fieldViewID + " = ? AND " + fieldObjectID + " IN ?"
	orderViewObjectsAsc = "created_at_s ASC, object_id ASC"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the store dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger

	// NewID issues identifiers for rows created without one. Defaults to UUIDv7.
	NewID func() (string, error)
}

// Service reads and writes the relational records behind collaborative rooms.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	newID  func() (string, error)
	logger *zap.Logger
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	newID := cfg.NewID
	if newID == nil {
		newID = newUUIDv7
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		newID:  newID,
		logger: logger,
	}, nil
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func (service *Service) nowSeconds() int64 {
	return service.clock().UTC().Unix()
}

// assignID validates rawID, or issues a fresh one when it is blank.
func (service *Service) assignID(sentinel error, rawID string) (string, error) {
	if rawID == "" {
		issued, err := service.newID()
		if err != nil {
			return "", err
		}
		rawID = issued
	}
	return validateIdentifier(sentinel, rawID)
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("store service error", attrs...)
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return SystemActor
	}
	return actor
}
