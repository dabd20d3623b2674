package api

import (
	"errors"
	"fmt"
)

// Validator - интерфейс, который реализуют исходящие DTO.
// Валидация выполняется синхронно, до любого сетевого вызова.
type Validator interface {
	Validate() error
}

var (
	ErrMissingID     = errors.New("update payload requires a non-empty _id")
	ErrMissingIDs    = errors.New("delete requires ids or the deleteAll option")
	ErrEmptyData     = errors.New("create requires at least one record")
	ErrUnknownAction = errors.New("unknown action")
)

func validateAction(action string) error {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// validateBody проверяет общую часть ModifyRequest/EmbeddedRequest.
func validateBody(action string, data []map[string]any, ids []string, opts ModifyOptions) error {
	if err := validateAction(action); err != nil {
		return err
	}
	switch action {
	case ActionCreate:
		if len(data) == 0 {
			return ErrEmptyData
		}
	case ActionUpdate:
		for _, record := range data {
			id, _ := record["_id"].(string)
			if id == "" {
				return ErrMissingID
			}
		}
	case ActionDelete:
		if len(ids) == 0 && !opts.DeleteAll {
			return ErrMissingIDs
		}
	}
	return nil
}

func (r ModifyRequest) Validate() error {
	if r.Type == "" {
		return errors.New("entity type is required")
	}
	return validateBody(r.Action, r.Data, r.IDs, r.Options)
}

func (r EmbeddedRequest) Validate() error {
	if r.Type == "" {
		return errors.New("embedded type is required")
	}
	if r.ParentType == "" || r.ParentID == "" {
		return errors.New("embedded request requires parentType and parentId")
	}
	return validateBody(r.Action, r.Data, r.IDs, r.Options)
}

func (r PackEntryRequest) Validate() error {
	if r.Pack == "" || r.EntryID == "" {
		return errors.New("pack and entryId are required")
	}
	return nil
}
