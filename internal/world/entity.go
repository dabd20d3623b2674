package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santalucial/fvtt-module-streamdeck/internal/domain"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/api"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/logger"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/utils"
)

// ErrDetached возвращают операции над сущностью, не состоящей в коллекции
// (временной или еще не вставленной): им некуда отправлять запросы.
var ErrDetached = errors.New("world: entity does not belong to a collection")

// EntityOptions - неперсистентный контекст конструирования.
type EntityOptions struct {
	// Temporary: синтетическая сущность без записи на сервере.
	Temporary bool
	// Compendium - имя пака-владельца, если запись пришла из компендиума.
	Compendium string
}

// Entity - локальное зеркало одной авторитетной записи сервера.
//
// Владеет сырыми данными (Data), деривирует вычисляемые поля и держит
// встроенные под-сущности. Экземпляр живет от конструирования до
// уведомления об удалении и мутируется НА МЕСТЕ: другой код может
// держать ссылку, и она обязана оставаться актуальной.
type Entity struct {
	Type    *EntityType
	Data    map[string]any
	Options EntityOptions

	collection *EntityCollection
	parent     *Entity
	embedded   map[string][]*Entity
}

// NewEntity конструирует сущность из сырой записи и прогоняет
// инициализацию. Ошибка инициализации логируется и глотается:
// одна испорченная запись не должна валить bootstrap всей коллекции.
func NewEntity(t *EntityType, data map[string]any, opts EntityOptions, collection *EntityCollection) *Entity {
	e := &Entity{
		Type:       t,
		Data:       data,
		Options:    opts,
		collection: collection,
		embedded:   map[string][]*Entity{},
	}
	e.initialize()
	return e
}

// newEmbedded конструирует встроенную под-сущность. Она оборачивает
// ТУ ЖЕ мапу, что лежит в сыром массиве родителя: мерджи через ребенка
// видны в экспорте родителя без дополнительной синхронизации.
func newEmbedded(parent *Entity, t *EntityType, data map[string]any) *Entity {
	e := &Entity{
		Type:     t,
		Data:     data,
		parent:   parent,
		embedded: map[string][]*Entity{},
	}
	e.initialize()
	return e
}

// initialize - двойной проход деривации. Подготовка встроенных детей
// может зависеть от базовых полей, а базовая деривация - от числа
// детей, поэтому PrepareData выполняется до и после.
func (e *Entity) initialize() {
	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("world").
				WithField("type", e.Type.Name).
				WithField("id", e.ID()).
				Errorf("Entity initialization failed: %v", r)
		}
	}()
	e.PrepareData()
	e.PrepareEmbeddedEntities()
	e.PrepareData()
}

// PrepareData деривирует вычисляемые поля из сырых данных.
// Идемпотентна: повторный вызов на тех же данных дает тот же результат.
func (e *Entity) PrepareData() {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	if name, _ := e.Data["name"].(string); name == "" {
		e.Data["name"] = "New " + e.Type.Name
	}
	if e.Type.DefaultImg != "" {
		if img, _ := e.Data["img"].(string); img == "" {
			e.Data["img"] = e.Type.DefaultImg
		}
	}
	if h := e.Type.Hooks.PrepareData; h != nil {
		h(e)
	}
}

// PrepareEmbeddedEntities заново строит кэш встроенных под-сущностей
// из текущих сырых массивов. Для типов без детей - no-op.
func (e *Entity) PrepareEmbeddedEntities() {
	for _, decl := range e.Type.Embedded {
		raws := rawMaps(e.Data[decl.Field])
		children := make([]*Entity, 0, len(raws))
		for _, raw := range raws {
			children = append(children, newEmbedded(e, decl.Type, raw))
		}
		e.embedded[decl.Type.Name] = children
	}
}

// --- ИДЕНТИЧНОСТЬ ---

// ID возвращает идентификатор записи. Пустая строка - записи без id.
// Однажды присвоенный id никогда не меняется.
func (e *Entity) ID() string {
	id, _ := e.Data["_id"].(string)
	return id
}

func (e *Entity) Name() string {
	name, _ := e.Data["name"].(string)
	return name
}

func (e *Entity) Img() string {
	img, _ := e.Data["img"].(string)
	return img
}

// Collection возвращает коллекцию-владельца (nil у временных и встроенных).
func (e *Entity) Collection() *EntityCollection {
	return e.collection
}

// Parent возвращает родителя встроенной сущности, nil для верхнеуровневых.
func (e *Entity) Parent() *Entity {
	return e.parent
}

// UUID - глобально уникальная ссылка: тип, опциональный контейнер, id.
// Примеры: "Actor.a1", "Scene.s1.Token.t3", "Compendium.world.heroes.a9".
func (e *Entity) UUID() string {
	if e.parent != nil {
		return e.parent.UUID() + "." + e.Type.Name + "." + e.ID()
	}
	if e.Options.Compendium != "" {
		return "Compendium." + e.Options.Compendium + "." + e.ID()
	}
	return e.Type.Name + "." + e.ID()
}

// --- ПРАВА ---

// permissions возвращает карту прав записи. У встроенных документов
// своей карты нет - права наследуются от родителя.
func (e *Entity) permissions() (map[string]any, bool) {
	p, ok := e.Data["permission"].(map[string]any)
	return p, ok
}

// Permission - эффективный уровень доступа пользователя к сущности.
func (e *Entity) Permission(user domain.User) domain.PermissionLevel {
	if p, ok := e.permissions(); ok {
		return domain.EffectiveLevel(p, user)
	}
	if e.parent != nil {
		return e.parent.Permission(user)
	}
	return domain.EffectiveLevel(nil, user)
}

// HasPerm проверяет уровень доступа пользователя.
func (e *Entity) HasPerm(user domain.User, level domain.PermissionLevel, exact bool) bool {
	if p, ok := e.permissions(); ok {
		return domain.HasPermission(p, user, level, exact)
	}
	if e.parent != nil {
		return e.parent.HasPerm(user, level, exact)
	}
	return domain.HasPermission(nil, user, level, exact)
}

// HasPermName - вариант HasPerm с именем уровня ("OWNER").
// Неизвестное имя - отказ, а не паника: имена приходят из конфигов.
func (e *Entity) HasPermName(user domain.User, level string, exact bool) bool {
	lvl, ok := domain.ParsePermissionLevel(level)
	if !ok {
		return false
	}
	return e.HasPerm(user, lvl, exact)
}

// IsOwner: уровень не ниже OWNER.
func (e *Entity) IsOwner(user domain.User) bool {
	return e.HasPerm(user, domain.PermissionOwner, false)
}

// Visible: уровень не ниже LIMITED.
func (e *Entity) Visible(user domain.User) bool {
	return e.HasPerm(user, domain.PermissionLimited, false)
}

// Limited: уровень РОВНО LIMITED. Для GM всегда false.
func (e *Entity) Limited(user domain.User) bool {
	return e.HasPerm(user, domain.PermissionLimited, true)
}

// --- CRUD ---

// Update отправляет частичное обновление этой сущности. Payload
// помечается ее id и уходит батч-путем коллекции; локальные данные
// меняются только после авторитетного ответа сервера.
func (e *Entity) Update(ctx context.Context, data map[string]any, opts UpdateOptions) error {
	if e.collection == nil {
		return ErrDetached
	}
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["_id"] = e.ID()
	_, err := e.collection.UpdateMany(ctx, []map[string]any{payload}, opts)
	return err
}

// Delete удаляет сущность на сервере; из коллекции она исчезает
// по ответу.
func (e *Entity) Delete(ctx context.Context, opts DeleteOptions) error {
	if e.collection == nil {
		return ErrDetached
	}
	_, err := e.collection.DeleteMany(ctx, []string{e.ID()}, opts)
	return err
}

// --- ВСТРОЕННЫЕ ДОКУМЕНТЫ ---

// EmbeddedCollection возвращает текущий кэш детей одного встроенного типа.
func (e *Entity) EmbeddedCollection(typeName string) []*Entity {
	return append([]*Entity(nil), e.embedded[typeName]...)
}

// GetEmbedded находит встроенную сущность по id, nil если ее нет.
func (e *Entity) GetEmbedded(typeName, id string) *Entity {
	for _, child := range e.embedded[typeName] {
		if child.ID() == id {
			return child
		}
	}
	return nil
}

// CreateEmbedded создает встроенные документы внутри этого родителя.
func (e *Entity) CreateEmbedded(ctx context.Context, typeName string, data []map[string]any, opts CreateOptions) ([]*Entity, error) {
	req := api.EmbeddedRequest{
		Action:     api.ActionCreate,
		Type:       typeName,
		ParentType: e.Type.Name,
		ParentID:   e.ID(),
		Data:       data,
		Options:    api.ModifyOptions{Temporary: opts.Temporary, RenderSheet: opts.RenderSheet},
	}
	resp, err := e.dispatchEmbedded(ctx, typeName, req)
	if err != nil {
		return nil, err
	}
	created, _, err := e.ApplyEmbedded(resp)
	return created, err
}

// UpdateEmbedded обновляет встроенные документы. Как и на верхнем
// уровне, payload по умолчанию сужается до изменившихся полей, пустые
// диффы выпадают из батча, пустой батч не ходит в сеть.
func (e *Entity) UpdateEmbedded(ctx context.Context, typeName string, data []map[string]any, opts UpdateOptions) ([]*Entity, error) {
	decl, ok := e.Type.embeddedDecl(typeName)
	if !ok {
		return nil, fmt.Errorf("world: %s has no embedded collection %q", e.Type.Name, typeName)
	}

	batch := make([]map[string]any, 0, len(data))
	for _, item := range data {
		id, _ := item["_id"].(string)
		if id == "" {
			return nil, api.ErrMissingID
		}
		current := findRaw(rawMaps(e.Data[decl.Field]), id)
		if current == nil {
			return nil, fmt.Errorf("world: %s %q has no %s %q", e.Type.Name, e.ID(), typeName, id)
		}
		if opts.Diff {
			expanded, err := utils.ExpandObject(item)
			if err != nil {
				return nil, err
			}
			d := utils.DiffObject(current, expanded)
			if utils.IsObjectEmpty(d) {
				continue
			}
			d["_id"] = id
			batch = append(batch, d)
		} else {
			batch = append(batch, item)
		}
	}
	if len(batch) == 0 {
		return []*Entity{}, nil
	}

	req := api.EmbeddedRequest{
		Action:     api.ActionUpdate,
		Type:       typeName,
		ParentType: e.Type.Name,
		ParentID:   e.ID(),
		Data:       batch,
		Options:    api.ModifyOptions{Diff: opts.Diff},
	}
	resp, err := e.dispatchEmbedded(ctx, typeName, req)
	if err != nil {
		return nil, err
	}
	updated, _, err := e.ApplyEmbedded(resp)
	return updated, err
}

// DeleteEmbedded удаляет встроенные документы по id.
func (e *Entity) DeleteEmbedded(ctx context.Context, typeName string, ids []string, opts DeleteOptions) ([]string, error) {
	req := api.EmbeddedRequest{
		Action:     api.ActionDelete,
		Type:       typeName,
		ParentType: e.Type.Name,
		ParentID:   e.ID(),
		IDs:        ids,
		Options:    api.ModifyOptions{DeleteAll: opts.DeleteAll},
	}
	resp, err := e.dispatchEmbedded(ctx, typeName, req)
	if err != nil {
		return nil, err
	}
	_, deleted, err := e.ApplyEmbedded(resp)
	return deleted, err
}

func (e *Entity) dispatchEmbedded(ctx context.Context, typeName string, req api.EmbeddedRequest) (*api.EmbeddedResponse, error) {
	if _, ok := e.Type.embeddedDecl(typeName); !ok {
		return nil, fmt.Errorf("world: %s has no embedded collection %q", e.Type.Name, typeName)
	}
	if e.collection == nil {
		return nil, ErrDetached
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	raw, err := e.collection.session.Socket.Dispatch(ctx, api.EventModifyEmbeddedDocument, req)
	if err != nil {
		return nil, err
	}
	resp := &api.EmbeddedResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, fmt.Errorf("decode embedded response: %w", err)
	}
	return resp, nil
}

// ApplyEmbedded применяет ответ или широковещательное уведомление канала
// modifyEmbeddedDocument к этому родителю. Сырые массивы мутируются,
// затем выполняется РОВНО ОДИН проход деривации родителя на весь батч,
// per-child хуки - по разу на ребенка, OnModifyEmbedded - один раз,
// и уведомление рендера получает родитель, а не дети.
func (e *Entity) ApplyEmbedded(resp *api.EmbeddedResponse) ([]*Entity, []string, error) {
	decl, ok := e.Type.embeddedDecl(resp.Request.Type)
	if !ok {
		return nil, nil, fmt.Errorf("world: %s has no embedded collection %q", e.Type.Name, resp.Request.Type)
	}
	action := resp.Request.Action

	// Temporary повторяет верхнеуровневый контракт: дети конструируются,
	// но сырой массив родителя, кэш и наблюдатели не трогаются.
	if action == api.ActionCreate && resp.Request.Options.Temporary {
		records, err := resp.Records()
		if err != nil {
			return nil, nil, err
		}
		created := make([]*Entity, 0, len(records))
		for _, record := range records {
			child := newEmbedded(e, decl.Type, record)
			child.Options.Temporary = true
			created = append(created, child)
			if h := e.Type.Hooks.OnCreateEmbedded; h != nil {
				h(e, decl.Type.Name, child, resp.UserID)
			}
		}
		return created, nil, nil
	}

	var touchedIDs []string
	var changedByID map[string]map[string]any
	var deletedIDs []string

	lock := func() {}
	unlock := func() {}
	if e.collection != nil {
		lock = func() { e.collection.mu.Lock() }
		unlock = func() { e.collection.mu.Unlock() }
	}

	lock()
	switch action {
	case api.ActionCreate:
		records, err := resp.Records()
		if err != nil {
			unlock()
			return nil, nil, err
		}
		arr := rawAnyArray(e.Data[decl.Field])
		for _, record := range records {
			arr = append(arr, record)
			if id, _ := record["_id"].(string); id != "" {
				touchedIDs = append(touchedIDs, id)
			}
		}
		e.Data[decl.Field] = arr

	case api.ActionUpdate:
		records, err := resp.Records()
		if err != nil {
			unlock()
			return nil, nil, err
		}
		changedByID = map[string]map[string]any{}
		for _, record := range records {
			id, _ := record["_id"].(string)
			current := findRaw(rawMaps(e.Data[decl.Field]), id)
			if current == nil {
				logger.WithComponent("world").
					WithField("parent", e.UUID()).
					WithField("id", id).
					Warn("Embedded update for unknown child dropped")
				continue
			}
			if _, err := utils.MergeObject(current, record, utils.DefaultMergeOptions()); err != nil {
				logger.WithComponent("world").WithError(err).Warn("Embedded merge failed")
				continue
			}
			touchedIDs = append(touchedIDs, id)
			changedByID[id] = record
		}

	case api.ActionDelete:
		ids, err := resp.DeletedIDs()
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if resp.Request.Options.DeleteAll {
			ids = nil
			for _, raw := range rawMaps(e.Data[decl.Field]) {
				if id, _ := raw["_id"].(string); id != "" {
					ids = append(ids, id)
				}
			}
		}
		arr := rawAnyArray(e.Data[decl.Field])
		kept := make([]any, 0, len(arr))
		drop := map[string]bool{}
		for _, id := range ids {
			drop[id] = true
		}
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				if id, _ := m["_id"].(string); drop[id] {
					continue
				}
			}
			kept = append(kept, item)
		}
		e.Data[decl.Field] = kept
		deletedIDs = ids

	default:
		unlock()
		return nil, nil, fmt.Errorf("world: unknown embedded action %q", action)
	}

	// Единый проход деривации родителя на весь батч.
	e.PrepareEmbeddedEntities()
	e.PrepareData()
	unlock()

	// Per-child хуки.
	var result []*Entity
	switch action {
	case api.ActionCreate:
		for _, id := range touchedIDs {
			child := e.GetEmbedded(decl.Type.Name, id)
			if child == nil {
				continue
			}
			result = append(result, child)
			if h := e.Type.Hooks.OnCreateEmbedded; h != nil {
				h(e, decl.Type.Name, child, resp.UserID)
			}
		}
	case api.ActionUpdate:
		for _, id := range touchedIDs {
			child := e.GetEmbedded(decl.Type.Name, id)
			if child == nil {
				continue
			}
			result = append(result, child)
			if h := e.Type.Hooks.OnUpdateEmbedded; h != nil {
				h(e, decl.Type.Name, child, changedByID[id], resp.UserID)
			}
		}
	case api.ActionDelete:
		if h := e.Type.Hooks.OnDeleteEmbedded; h != nil {
			for _, id := range deletedIDs {
				h(e, decl.Type.Name, id, resp.UserID)
			}
		}
	}

	// Один раз на батч, сколько бы детей ни было затронуто.
	if h := e.Type.Hooks.OnModifyEmbedded; h != nil {
		h(e, decl.Type.Name, action, resp.UserID)
	}

	// Рендер-уведомление получает родитель.
	if e.collection != nil && (len(touchedIDs) > 0 || len(deletedIDs) > 0) {
		e.collection.Render(Change{
			Type:   e.Type.Name,
			Action: api.ActionUpdate,
			IDs:    []string{e.ID()},
			UserID: resp.UserID,
		})
	}
	return result, deletedIDs, nil
}

// --- ХЕЛПЕРЫ СЫРЫХ МАССИВОВ ---

// rawMaps нормализует сырой массив встроенных записей. После JSON это
// []any с мапами внутри; код, собирающий данные вручную, может хранить
// и []map[string]any.
func rawMaps(v any) []map[string]any {
	switch arr := v.(type) {
	case []map[string]any:
		return arr
	case []any:
		out := make([]map[string]any, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// rawAnyArray приводит сырой массив к []any для мутации на месте.
func rawAnyArray(v any) []any {
	switch arr := v.(type) {
	case []any:
		return arr
	case []map[string]any:
		out := make([]any, 0, len(arr))
		for _, m := range arr {
			out = append(out, m)
		}
		return out
	}
	return nil
}

func findRaw(raws []map[string]any, id string) map[string]any {
	if id == "" {
		return nil
	}
	for _, raw := range raws {
		if rid, _ := raw["_id"].(string); rid == id {
			return raw
		}
	}
	return nil
}
