package api

import (
	"encoding/json"
	"fmt"
)

// --- СОБЫТИЯ СОКЕТА ---

const (
	// EventWorld - запрос начального снапшота мира при подключении.
	EventWorld = "world"

	// EventModifyDocument - канал CRUD-операций над сущностями верхнего
	// уровня. Используется и для запросов, и для широковещательных
	// уведомлений о чужих изменениях.
	EventModifyDocument = "modifyDocument"

	// EventModifyEmbeddedDocument - отдельный канал для операций над
	// встроенными документами (токены сцены, участники боя, предметы актора).
	EventModifyEmbeddedDocument = "modifyEmbeddedDocument"

	// EventPause - сервер сообщает о постановке мира на паузу.
	EventPause = "pause"

	// EventGetPackEntry - чтение одной записи из компендиума по имени
	// пака и id записи.
	EventGetPackEntry = "getPackEntry"
)

// --- ДЕЙСТВИЯ ---

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// --- КЛИЕНТ -> СЕРВЕР ---

// ModifyOptions - опции CRUD-запроса. Сервер возвращает их эхом в ответе,
// поэтому они входят и в ModifyResponse.Request.
type ModifyOptions struct {
	// Temporary: создать сущность без персистентности; ответ не попадает
	// в коллекцию.
	Temporary bool `json:"temporary,omitempty"`

	// RenderSheet - подсказка UI, ядро синхронизации ее не интерпретирует.
	RenderSheet bool `json:"renderSheet,omitempty"`

	// Diff: payload обновления уже сужен до изменившихся полей.
	Diff bool `json:"diff,omitempty"`

	// DeleteAll: удалить все сущности типа. Список ids при этом
	// может быть пустым.
	DeleteAll bool `json:"deleteAll,omitempty"`
}

// ModifyRequest - CRUD-запрос над сущностями верхнего уровня.
// Data заполняется для create/update, IDs - для delete.
type ModifyRequest struct {
	Type    string           `json:"type"`
	Action  string           `json:"action"`
	Data    []map[string]any `json:"data,omitempty"`
	IDs     []string         `json:"ids,omitempty"`
	Options ModifyOptions    `json:"options"`
}

// EmbeddedRequest - CRUD-запрос над встроенными документами одного
// родителя. Type здесь - имя встроенного типа ("Token"), родитель
// адресуется парой ParentType/ParentID.
type EmbeddedRequest struct {
	Action     string           `json:"action"`
	Type       string           `json:"type"`
	ParentType string           `json:"parentType"`
	ParentID   string           `json:"parentId"`
	Data       []map[string]any `json:"data,omitempty"`
	IDs        []string         `json:"ids,omitempty"`
	Options    ModifyOptions    `json:"options"`
}

// PackEntryRequest - чтение записи компендиума.
type PackEntryRequest struct {
	Pack    string `json:"pack"`
	EntryID string `json:"entryId"`
}

// --- СЕРВЕР -> КЛИЕНТ ---

// ServerError - нормализованная ошибка, которую сервер кладет в ответ.
type ServerError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// ModifyResponse - ответ (или широковещательное уведомление) канала
// modifyDocument. Result - массив полных записей для create/update
// или массив удаленных id для delete.
type ModifyResponse struct {
	Request ModifyRequest   `json:"request"`
	Result  json.RawMessage `json:"result"`
	UserID  string          `json:"userId"`
	Error   *ServerError    `json:"error,omitempty"`
}

// Records декодирует Result как массив полных записей (create/update).
func (r *ModifyResponse) Records() ([]map[string]any, error) {
	return decodeRecords(r.Result)
}

// DeletedIDs декодирует Result как массив удаленных id (delete).
func (r *ModifyResponse) DeletedIDs() ([]string, error) {
	return decodeIDs(r.Result)
}

// EmbeddedResponse - ответ канала modifyEmbeddedDocument.
type EmbeddedResponse struct {
	Request EmbeddedRequest `json:"request"`
	Result  json.RawMessage `json:"result"`
	UserID  string          `json:"userId"`
	Error   *ServerError    `json:"error,omitempty"`
}

func (r *EmbeddedResponse) Records() ([]map[string]any, error) {
	return decodeRecords(r.Result)
}

func (r *EmbeddedResponse) DeletedIDs() ([]string, error) {
	return decodeIDs(r.Result)
}

func decodeRecords(raw json.RawMessage) ([]map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode result records: %w", err)
	}
	return records, nil
}

func decodeIDs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode result ids: %w", err)
	}
	return ids, nil
}

// WorldSnapshot - начальный снимок мира, который сервер отдает на
// запрос EventWorld. Каждый массив - сырые записи одного типа сущностей.
type WorldSnapshot struct {
	Users    []map[string]any `json:"users"`
	Actors   []map[string]any `json:"actors"`
	Items    []map[string]any `json:"items"`
	Scenes   []map[string]any `json:"scenes"`
	Combats  []map[string]any `json:"combat"`
	Messages []map[string]any `json:"messages"`

	// Paused - текущее состояние паузы мира.
	Paused bool `json:"paused"`

	// Setup выставляется, когда активного мира нет и сервер вернул
	// данные настройки вместо снапшота.
	Setup bool `json:"setup,omitempty"`
}

// PauseNotice - уведомление о смене паузы.
type PauseNotice struct {
	Paused bool `json:"paused"`
}
