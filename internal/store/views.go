package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ViewObjectChanges is a reconciliation plan for the children of one view.
type ViewObjectChanges struct {
	Create []ViewObject
	Update []ViewObject
	Delete []string
}

// Empty reports whether the plan has nothing to do.
func (changes ViewObjectChanges) Empty() bool {
	return len(changes.Create) == 0 && len(changes.Update) == 0 && len(changes.Delete) == 0
}

// CreateView inserts view, issuing an id and timestamps when they are missing.
func (service *Service) CreateView(ctx context.Context, view View) (View, error) {
	if service.db == nil {
		return View{}, newServiceError(opCreateView, reasonMissingDatabase, errMissingDatabase)
	}
	viewID, err := service.assignID(ErrInvalidViewID, view.ViewID)
	if err != nil {
		service.logError(opCreateView, reasonInvalidID, err)
		return View{}, newServiceError(opCreateView, reasonInvalidID, err)
	}
	view.ViewID = viewID
	now := service.nowSeconds()
	if view.CreatedAtSeconds == 0 {
		view.CreatedAtSeconds = now
	}
	if view.UpdatedAtSeconds == 0 {
		view.UpdatedAtSeconds = view.CreatedAtSeconds
	}
	view.CreatedBy = actorOrSystem(view.CreatedBy)
	if view.UpdatedBy == "" {
		view.UpdatedBy = view.CreatedBy
	}
	if view.Visibility == "" {
		view.Visibility = VisibilityPrivate
	}
	if err := service.db.WithContext(ctx).Create(&view).Error; err != nil {
		service.logError(opCreateView, reasonInsertFailed, err, zap.String(fieldViewID, viewID))
		return View{}, newServiceError(opCreateView, reasonInsertFailed, err)
	}
	return view, nil
}

// FindView loads a view and reports whether it exists.
func (service *Service) FindView(ctx context.Context, rawViewID string) (View, bool, error) {
	if service.db == nil {
		return View{}, false, newServiceError(opFindView, reasonMissingDatabase, errMissingDatabase)
	}
	viewID, err := validateIdentifier(ErrInvalidViewID, rawViewID)
	if err != nil {
		return View{}, false, newServiceError(opFindView, reasonInvalidID, err)
	}
	var view View
	err = service.db.WithContext(ctx).Where(queryViewID, viewID).Take(&view).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return View{}, false, nil
	}
	if err != nil {
		service.logError(opFindView, reasonQueryFailed, err, zap.String(fieldViewID, viewID))
		return View{}, false, newServiceError(opFindView, reasonQueryFailed, err)
	}
	return view, true, nil
}

// UpdateViewData replaces the view's data blob when it differs and reports whether a write happened.
func (service *Service) UpdateViewData(ctx context.Context, rawViewID string, data string, updatedBy string) (bool, error) {
	if service.db == nil {
		return false, newServiceError(opUpdateViewData, reasonMissingDatabase, errMissingDatabase)
	}
	viewID, err := validateIdentifier(ErrInvalidViewID, rawViewID)
	if err != nil {
		return false, newServiceError(opUpdateViewData, reasonInvalidID, err)
	}

	updated := false
	txErr := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing View
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryViewID, viewID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateViewData, reasonNotFound, ErrNotFound)
		}
		if err != nil {
			service.logError(opUpdateViewData, reasonQueryFailed, err, zap.String(fieldViewID, viewID))
			return newServiceError(opUpdateViewData, reasonQueryFailed, err)
		}
		if existing.Data == data {
			return nil
		}
		err = transaction.Model(&View{}).
			Where(queryViewID, viewID).
			Updates(map[string]any{
				"data":         data,
				"updated_at_s": service.nowSeconds(),
				"updated_by":   actorOrSystem(updatedBy),
			}).Error
		if err != nil {
			service.logError(opUpdateViewData, reasonUpdateFailed, err, zap.String(fieldViewID, viewID))
			return newServiceError(opUpdateViewData, reasonUpdateFailed, err)
		}
		updated = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return updated, nil
}

// CreateViewObject inserts a single child object.
func (service *Service) CreateViewObject(ctx context.Context, object ViewObject) (ViewObject, error) {
	if service.db == nil {
		return ViewObject{}, newServiceError(opCreateViewObject, reasonMissingDatabase, errMissingDatabase)
	}
	viewID, err := validateIdentifier(ErrInvalidViewID, object.ViewID)
	if err != nil {
		return ViewObject{}, newServiceError(opCreateViewObject, reasonInvalidID, err)
	}
	objectID, err := service.assignID(ErrInvalidObjectID, object.ObjectID)
	if err != nil {
		service.logError(opCreateViewObject, reasonIDGeneration, err, zap.String(fieldViewID, viewID))
		return ViewObject{}, newServiceError(opCreateViewObject, reasonIDGeneration, err)
	}
	object.ViewID = viewID
	object.ObjectID = objectID
	service.stampNewObject(&object, "")
	if err := service.db.WithContext(ctx).Create(&object).Error; err != nil {
		service.logError(opCreateViewObject, reasonInsertFailed, err,
			zap.String(fieldViewID, viewID),
			zap.String(fieldObjectID, objectID))
		return ViewObject{}, newServiceError(opCreateViewObject, reasonInsertFailed, err)
	}
	return object, nil
}

// ListViewObjects returns every child object of a view, oldest first.
func (service *Service) ListViewObjects(ctx context.Context, rawViewID string) ([]ViewObject, error) {
	if service.db == nil {
		return nil, newServiceError(opListViewObjects, reasonMissingDatabase, errMissingDatabase)
	}
	viewID, err := validateIdentifier(ErrInvalidViewID, rawViewID)
	if err != nil {
		return nil, newServiceError(opListViewObjects, reasonInvalidID, err)
	}
	var objects []ViewObject
	if err := service.db.WithContext(ctx).
		Where(queryViewID, viewID).
		Order(orderViewObjectsAsc).
		Find(&objects).Error; err != nil {
		service.logError(opListViewObjects, reasonQueryFailed, err, zap.String(fieldViewID, viewID))
		return nil, newServiceError(opListViewObjects, reasonQueryFailed, err)
	}
	return objects, nil
}

// ApplyViewObjectChanges executes a reconciliation plan in one transaction. Deletes and updates
// are scoped to the view so a plan can never touch another view's children.
func (service *Service) ApplyViewObjectChanges(ctx context.Context, rawViewID string, changes ViewObjectChanges, actor string) error {
	if service.db == nil {
		return newServiceError(opApplyViewObjectChanges, reasonMissingDatabase, errMissingDatabase)
	}
	viewID, err := validateIdentifier(ErrInvalidViewID, rawViewID)
	if err != nil {
		return newServiceError(opApplyViewObjectChanges, reasonInvalidID, err)
	}
	if changes.Empty() {
		return nil
	}

	return service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if len(changes.Delete) > 0 {
			if err := transaction.Where(queryViewObjectsIn, viewID, changes.Delete).
				Delete(&ViewObject{}).Error; err != nil {
				service.logError(opApplyViewObjectChanges, reasonDeleteFailed, err, zap.String(fieldViewID, viewID))
				return newServiceError(opApplyViewObjectChanges, reasonDeleteFailed, err)
			}
		}

		for _, object := range changes.Create {
			objectID, idErr := validateIdentifier(ErrInvalidObjectID, object.ObjectID)
			if idErr != nil {
				return newServiceError(opApplyViewObjectChanges, reasonInvalidID, idErr)
			}
			object.ObjectID = objectID
			object.ViewID = viewID
			service.stampNewObject(&object, actor)
			if err := transaction.Create(&object).Error; err != nil {
				service.logError(opApplyViewObjectChanges, reasonInsertFailed, err,
					zap.String(fieldViewID, viewID),
					zap.String(fieldObjectID, objectID))
				return newServiceError(opApplyViewObjectChanges, reasonInsertFailed, err)
			}
		}

		for _, object := range changes.Update {
			updatedBy := object.UpdatedBy
			if updatedBy == "" {
				updatedBy = actorOrSystem(actor)
			}
			if err := transaction.Model(&ViewObject{}).
				Where(queryViewObject, viewID, object.ObjectID).
				Updates(map[string]any{
					"name":         object.Name,
					"object_type":  object.ObjectType,
					"data":         object.Data,
					"updated_at_s": service.nowSeconds(),
					"updated_by":   updatedBy,
				}).Error; err != nil {
				service.logError(opApplyViewObjectChanges, reasonUpdateFailed, err,
					zap.String(fieldViewID, viewID),
					zap.String(fieldObjectID, object.ObjectID))
				return newServiceError(opApplyViewObjectChanges, reasonUpdateFailed, err)
			}
		}
		return nil
	})
}

func (service *Service) stampNewObject(object *ViewObject, actor string) {
	now := service.nowSeconds()
	if object.CreatedAtSeconds == 0 {
		object.CreatedAtSeconds = now
	}
	if object.UpdatedAtSeconds == 0 {
		object.UpdatedAtSeconds = object.CreatedAtSeconds
	}
	if object.CreatedBy == "" {
		object.CreatedBy = actorOrSystem(actor)
	}
	if object.UpdatedBy == "" {
		object.UpdatedBy = object.CreatedBy
	}
}
