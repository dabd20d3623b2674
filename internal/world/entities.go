package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/santalucial/fvtt-module-streamdeck/pkg/api"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/logger"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/utils"
)

// EntityCollection - реестр всех живых сущностей одного типа.
//
// Создается один раз при bootstrap сессии из массива снапшота и живет
// до конца сессии: никогда не пересоздается, только мутируется.
// Параллельно keyed-хранилищу поддерживается сырой массив-источник,
// чтобы "экспортировать текущий снапшот" оставалось возможным.
//
// Мутации приходят только из обработчиков ответов/уведомлений на
// горутине чтения сокета; конкурентные читатели (HTTP-фасад оверлея)
// ходят через Export и методы с RLock.
type EntityCollection struct {
	Type *EntityType

	session *Session

	mu     sync.RWMutex
	store  *Collection[*Entity]
	source []map[string]any

	obsMu     sync.Mutex
	observers []Observer

	log *logrus.Entry
}

// NewEntityCollection строит коллекцию из массива снапшота.
// Испорченные записи не валят bootstrap: запись без _id пропускается
// с предупреждением, падение деривации гасится на уровне сущности.
func NewEntityCollection(t *EntityType, source []map[string]any, session *Session) *EntityCollection {
	c := &EntityCollection{
		Type:    t,
		session: session,
		store:   NewCollection[*Entity](),
		log:     logger.WithComponent("world." + strings.ToLower(t.Name)),
	}

	c.mu.Lock()
	for _, record := range source {
		e := NewEntity(t, record, EntityOptions{}, c)
		if e.ID() == "" {
			c.log.Warn("Snapshot record without _id skipped")
			continue
		}
		c.store.Set(e.ID(), e)
		c.source = append(c.source, record)
	}
	c.mu.Unlock()

	c.log.WithField("count", c.Len()).Debug("Collection bootstrapped")
	return c
}

// --- ДОСТУП ---

// Get возвращает живую сущность по id, nil если ее нет.
func (c *EntityCollection) Get(id string) *Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, _ := c.store.Get(id)
	return e
}

// Entities возвращает сущности в порядке вставки.
func (c *EntityCollection) Entities() []*Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Values()
}

func (c *EntityCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Len()
}

func (c *EntityCollection) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Keys()
}

// GetName находит первую сущность с данным отображаемым именем.
// strict: отсутствие - ошибка; иначе возвращается nil.
func (c *EntityCollection) GetName(name string, strict bool) (*Entity, error) {
	c.mu.RLock()
	e, ok := c.store.Find(func(e *Entity) bool { return e.Name() == name })
	c.mu.RUnlock()
	if ok {
		return e, nil
	}
	if strict {
		return nil, fmt.Errorf("world: no %s named %q", c.Type.Name, name)
	}
	return nil, nil
}

// Export возвращает глубокие копии сырых данных сущностей, прошедших
// фильтр (nil - всех). Единственный безопасный способ читать данные
// из конкурентных горутин (HTTP-фасада).
func (c *EntityCollection) Export(filter func(*Entity) bool) []map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]map[string]any, 0, c.store.Len())
	for _, e := range c.store.Values() {
		if filter == nil || filter(e) {
			out = append(out, utils.DuplicateMap(e.Data))
		}
	}
	return out
}

// --- МУТАЦИИ ХРАНИЛИЩА ---

// Insert добавляет сущность в оба представления. Сущность чужого типа -
// ошибка валидации.
func (c *EntityCollection) Insert(e *Entity) error {
	if e == nil {
		return errors.New("world: cannot insert nil entity")
	}
	if e.Type != c.Type {
		return fmt.Errorf("world: cannot insert %s into the %s collection", e.Type.Name, c.Type.Name)
	}
	if e.ID() == "" {
		return errors.New("world: cannot insert an entity without _id")
	}
	e.collection = c
	c.mu.Lock()
	c.insertLocked(e)
	c.mu.Unlock()
	return nil
}

// Remove удаляет сущность из обоих представлений.
// Удаление отсутствующего id - НАМЕРЕННО no-op (false): уведомление
// об удалении может догнать уже обработанный локальный ответ по тому
// же id, и второе срабатывание не должно быть ошибкой.
func (c *EntityCollection) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id)
}

func (c *EntityCollection) insertLocked(e *Entity) {
	id := e.ID()
	if c.store.Has(id) {
		// Повторная вставка заменяет запись в источнике на месте.
		for i, raw := range c.source {
			if rid, _ := raw["_id"].(string); rid == id {
				c.source[i] = e.Data
				break
			}
		}
		c.store.Set(id, e)
		return
	}
	c.store.Set(id, e)
	c.source = append(c.source, e.Data)
}

func (c *EntityCollection) removeLocked(id string) bool {
	if !c.store.Delete(id) {
		return false
	}
	for i, raw := range c.source {
		if rid, _ := raw["_id"].(string); rid == id {
			c.source = append(c.source[:i], c.source[i+1:]...)
			break
		}
	}
	return true
}

// --- НАБЛЮДАТЕЛИ ---

// RegisterObserver подписывает наблюдателя на батч-уведомления.
func (c *EntityCollection) RegisterObserver(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *EntityCollection) UnregisterObserver(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for i, cur := range c.observers {
		if cur == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// Render рассылает одно изменение всем наблюдателям. Вызывается один
// раз на батч, вне блокировок хранилища.
func (c *EntityCollection) Render(change Change) {
	c.obsMu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.obsMu.Unlock()
	for _, o := range observers {
		o.Render(change)
	}
}

// --- CRUD ---

// Create создает сущности на сервере и вставляет ответные записи в
// коллекцию (кроме Temporary). Никакой оптимистичной вставки: до
// ответа сервера локальное состояние не меняется.
func (c *EntityCollection) Create(ctx context.Context, data []map[string]any, opts CreateOptions) ([]*Entity, error) {
	req := api.ModifyRequest{
		Type:    c.Type.Name,
		Action:  api.ActionCreate,
		Data:    data,
		Options: api.ModifyOptions{Temporary: opts.Temporary, RenderSheet: opts.RenderSheet},
	}
	resp, err := c.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.applyCreate(resp)
}

// CreateOne - вариант для одной записи. Исходный контракт возвращал
// "одну сущность или массив" в зависимости от входа; здесь это два
// отдельных метода.
func (c *EntityCollection) CreateOne(ctx context.Context, data map[string]any, opts CreateOptions) (*Entity, error) {
	created, err := c.Create(ctx, []map[string]any{data}, opts)
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, errors.New("world: server returned no records")
	}
	return created[0], nil
}

// UpdateMany отправляет батч частичных обновлений. При opts.Diff
// (умолчание) каждый payload сужается до полей, реально отличающихся
// от локальных данных; пустые диффы выпадают из батча, полностью
// пустой батч не ходит в сеть и возвращает пустой результат.
func (c *EntityCollection) UpdateMany(ctx context.Context, updates []map[string]any, opts UpdateOptions) ([]*Entity, error) {
	batch := make([]map[string]any, 0, len(updates))

	c.mu.RLock()
	for _, item := range updates {
		id, _ := item["_id"].(string)
		if id == "" {
			c.mu.RUnlock()
			return nil, api.ErrMissingID
		}
		e, ok := c.store.Get(id)
		if !ok {
			c.mu.RUnlock()
			return nil, fmt.Errorf("world: %s %q is not in the collection", c.Type.Name, id)
		}
		if !opts.Diff {
			batch = append(batch, item)
			continue
		}
		expanded, err := utils.ExpandObject(item)
		if err != nil {
			c.mu.RUnlock()
			return nil, err
		}
		d := utils.DiffObject(e.Data, expanded)
		if utils.IsObjectEmpty(d) {
			continue
		}
		d["_id"] = id
		batch = append(batch, d)
	}
	c.mu.RUnlock()

	if len(batch) == 0 {
		return []*Entity{}, nil
	}

	req := api.ModifyRequest{
		Type:    c.Type.Name,
		Action:  api.ActionUpdate,
		Data:    batch,
		Options: api.ModifyOptions{Diff: opts.Diff},
	}
	resp, err := c.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.applyUpdate(resp)
}

// DeleteMany удаляет сущности по id.
func (c *EntityCollection) DeleteMany(ctx context.Context, ids []string, opts DeleteOptions) ([]string, error) {
	req := api.ModifyRequest{
		Type:    c.Type.Name,
		Action:  api.ActionDelete,
		IDs:     ids,
		Options: api.ModifyOptions{DeleteAll: opts.DeleteAll},
	}
	resp, err := c.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.applyDelete(resp)
}

func (c *EntityCollection) dispatch(ctx context.Context, req api.ModifyRequest) (*api.ModifyResponse, error) {
	// Валидация - синхронно, до сети.
	if err := req.Validate(); err != nil {
		return nil, err
	}
	raw, err := c.session.Socket.Dispatch(ctx, api.EventModifyDocument, req)
	if err != nil {
		// Локальное состояние не тронуто: применение происходит
		// только по успешному ответу.
		return nil, err
	}
	resp := &api.ModifyResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, fmt.Errorf("decode modify response: %w", err)
	}
	return resp, nil
}

// --- ПРИМЕНЕНИЕ ОТВЕТОВ И УВЕДОМЛЕНИЙ ---

// ApplyModify применяет широковещательное уведомление канала
// modifyDocument. Тот же путь, что и у ответов на собственные запросы.
func (c *EntityCollection) ApplyModify(resp *api.ModifyResponse) {
	var err error
	switch resp.Request.Action {
	case api.ActionCreate:
		_, err = c.applyCreate(resp)
	case api.ActionUpdate:
		_, err = c.applyUpdate(resp)
	case api.ActionDelete:
		_, err = c.applyDelete(resp)
	default:
		err = fmt.Errorf("unknown action %q", resp.Request.Action)
	}
	if err != nil {
		c.log.WithError(err).Warn("Failed to apply remote change")
	}
}

func (c *EntityCollection) applyCreate(resp *api.ModifyResponse) ([]*Entity, error) {
	records, err := resp.Records()
	if err != nil {
		return nil, err
	}

	// Temporary: сущности конструируются, но в коллекцию не попадают
	// и уведомлений не порождают.
	if resp.Request.Options.Temporary {
		created := make([]*Entity, 0, len(records))
		for _, record := range records {
			e := NewEntity(c.Type, record, EntityOptions{Temporary: true}, nil)
			created = append(created, e)
			if h := c.Type.Hooks.OnCreate; h != nil {
				h(e, record, CreateOptions{Temporary: true}, resp.UserID)
			}
		}
		return created, nil
	}

	var created []*Entity
	c.mu.Lock()
	for _, record := range records {
		e := NewEntity(c.Type, record, EntityOptions{}, c)
		if e.ID() == "" {
			c.log.Warn("Created record without _id dropped")
			continue
		}
		c.insertLocked(e)
		created = append(created, e)
	}
	c.mu.Unlock()

	ids := make([]string, 0, len(created))
	for _, e := range created {
		ids = append(ids, e.ID())
		if h := c.Type.Hooks.OnCreate; h != nil {
			h(e, e.Data, CreateOptions{RenderSheet: resp.Request.Options.RenderSheet}, resp.UserID)
		}
	}
	if len(ids) > 0 {
		c.Render(Change{Type: c.Type.Name, Action: api.ActionCreate, IDs: ids, UserID: resp.UserID})
	}
	return created, nil
}

func (c *EntityCollection) applyUpdate(resp *api.ModifyResponse) ([]*Entity, error) {
	records, err := resp.Records()
	if err != nil {
		return nil, err
	}

	type touched struct {
		e       *Entity
		changed map[string]any
	}
	var applied []touched

	c.mu.Lock()
	for _, record := range records {
		id, _ := record["_id"].(string)
		e, ok := c.store.Get(id)
		if !ok {
			c.log.WithField("id", id).Warn("Update for unknown entity dropped")
			continue
		}
		// Живой экземпляр мутируется на месте: ссылки, которые держит
		// рендер, остаются действительными. Входящее значение побеждает.
		if _, err := utils.MergeObject(e.Data, record, utils.DefaultMergeOptions()); err != nil {
			c.log.WithError(err).WithField("id", id).Warn("Merge failed, record skipped")
			continue
		}
		// Карта прав НЕ сливается, а заменяется целиком: отзыв прав
		// приходит укороченной картой, и дифф-мердж оставил бы старые
		// записи в силе.
		if p, ok := record["permission"]; ok {
			e.Data["permission"] = p
		}
		e.initialize()
		applied = append(applied, touched{e: e, changed: record})
	}
	c.mu.Unlock()

	entities := make([]*Entity, 0, len(applied))
	ids := make([]string, 0, len(applied))
	for _, t := range applied {
		entities = append(entities, t.e)
		ids = append(ids, t.e.ID())
		if h := c.Type.Hooks.OnUpdate; h != nil {
			h(t.e, t.changed, resp.UserID)
		}
	}
	if len(ids) > 0 {
		c.Render(Change{Type: c.Type.Name, Action: api.ActionUpdate, IDs: ids, UserID: resp.UserID})
	}
	return entities, nil
}

func (c *EntityCollection) applyDelete(resp *api.ModifyResponse) ([]string, error) {
	ids, err := resp.DeletedIDs()
	if err != nil {
		return nil, err
	}

	var removed []*Entity
	c.mu.Lock()
	// deleteAll обязателен к исполнению, даже если явный список пуст.
	if resp.Request.Options.DeleteAll {
		ids = c.store.Keys()
	}
	for _, id := range ids {
		if e, ok := c.store.Get(id); ok {
			c.removeLocked(id)
			removed = append(removed, e)
		}
	}
	c.mu.Unlock()

	removedIDs := make([]string, 0, len(removed))
	for _, e := range removed {
		removedIDs = append(removedIDs, e.ID())
		// Хук освобождает привязанные ресурсы представления.
		if h := c.Type.Hooks.OnDelete; h != nil {
			h(e, resp.UserID)
		}
	}
	// Наблюдателям сообщаются только реально удаленные id: уведомление
	// может содержать id, которых локально уже не было.
	if len(removed) > 0 {
		c.Render(Change{Type: c.Type.Name, Action: api.ActionDelete, IDs: removedIDs, UserID: resp.UserID})
	}
	return ids, nil
}

// --- КОМПЕНДИУМЫ ---

// Пак-локальные поля, не имеющие смысла вне компендиума.
var packLocalFields = []string{"_id", "folder", "sort"}

// ImportFromCollection забирает одну запись из компендиума, очищает
// пак-локальные поля, накладывает переопределения вызывающего кода и
// выполняет обычное создание в этой коллекции.
func (c *EntityCollection) ImportFromCollection(ctx context.Context, packName, entryID string, updateData map[string]any, opts CreateOptions) (*Entity, error) {
	if c.session.Packs == nil {
		return nil, errors.New("world: no pack source configured")
	}
	entry, err := c.session.Packs.GetEntry(ctx, packName, entryID)
	if err != nil {
		return nil, fmt.Errorf("import from %s: %w", packName, err)
	}
	for _, field := range packLocalFields {
		delete(entry, field)
	}
	if len(updateData) > 0 {
		if _, err := utils.MergeObject(entry, updateData, utils.DefaultMergeOptions()); err != nil {
			return nil, err
		}
	}
	return c.CreateOne(ctx, entry, opts)
}
