package world

import (
	"context"
	"encoding/json"

	"github.com/santalucial/fvtt-module-streamdeck/internal/domain"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/logger"
)

// Dispatcher - транспортный примитив "один запрос - один ответ".
// Реализуется сокетом; в тестах подменяется заглушкой.
type Dispatcher interface {
	Dispatch(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// EventBus - регистрация обработчиков широковещательных уведомлений.
// Нужен per-type слушателям (например, сцены слушают preload/pull).
type EventBus interface {
	On(event string, handler func(data json.RawMessage))
}

// PackSource - поставщик записей компендиумов: источник сырых данных
// сущностей, адресуемых именем пака и id записи.
type PackSource interface {
	GetEntry(ctx context.Context, pack, entryID string) (map[string]any, error)
}

// Session - явный контекст сессии. Все операции, которым нужен
// действующий пользователь, сокет или компендиумы, получают его отсюда;
// глобального "текущего game" в этом коде нет принципиально.
type Session struct {
	User   domain.User
	Socket Dispatcher
	Packs  PackSource
}

// Change описывает одно батч-изменение коллекции для наблюдателей.
type Change struct {
	Type   string   `json:"type"`
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
	UserID string   `json:"userId,omitempty"`
}

// Observer получает уведомления об изменениях коллекции.
// Типичная реализация - мост к SSE-рассыльщику оверлея.
type Observer interface {
	Render(change Change)
}

// --- ОПЦИИ ОПЕРАЦИЙ ---

type CreateOptions struct {
	// Temporary: сущность не персистентна и не попадает в коллекцию.
	Temporary bool
	// RenderSheet - подсказка UI, ядро ее только транслирует.
	RenderSheet bool
}

type UpdateOptions struct {
	// Diff сужает payload до реально изменившихся полей.
	Diff bool
}

// DefaultUpdateOptions - диффинг включен, как в исходном протоколе.
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{Diff: true}
}

type DeleteOptions struct {
	// DeleteAll: удалить все сущности типа, список id может быть пустым.
	DeleteAll bool
}

// --- ДЕСКРИПТОРЫ ТИПОВ ---

// Hooks - замыкания жизненного цикла. Разное поведение подтипов
// выражается их набором, а не иерархией наследования.
// Любое поле может быть nil - тогда шаг пропускается.
type Hooks struct {
	// PrepareData - дополнительная деривация полей подтипа.
	PrepareData func(e *Entity)

	OnCreate func(e *Entity, record map[string]any, opts CreateOptions, userID string)
	OnUpdate func(e *Entity, changed map[string]any, userID string)
	OnDelete func(e *Entity, userID string)

	// OnModifyEmbedded вызывается ровно один раз на батч изменений
	// встроенных документов, независимо от числа затронутых детей.
	OnModifyEmbedded func(e *Entity, embeddedType, action, userID string)

	// Per-child хуки: один вызов на каждого затронутого ребенка.
	OnCreateEmbedded func(e *Entity, embeddedType string, child *Entity, userID string)
	OnUpdateEmbedded func(e *Entity, embeddedType string, child *Entity, changed map[string]any, userID string)
	OnDeleteEmbedded func(e *Entity, embeddedType string, childID string, userID string)
}

// EmbeddedDecl объявляет один встроенный тип: его дескриптор и поле
// сырого массива в данных родителя.
type EmbeddedDecl struct {
	Type  *EntityType
	Field string
}

// EntityType - дескриптор поведения одного типа сущностей.
// Вместо цепочки наследников (Actor extends Entity, ...) - один
// конкретный Entity, параметризованный такой капсулой.
type EntityType struct {
	// Name - каноническое имя типа ("Actor").
	Name string

	// SnapshotField - имя массива в снапшоте мира ("actors").
	// Пустое у встроенных типов.
	SnapshotField string

	// Embedded - объявления встроенных коллекций.
	Embedded []EmbeddedDecl

	// DefaultImg подставляется в поле img, когда оно пустое.
	DefaultImg string

	// Hooks - замыкания жизненного цикла.
	Hooks Hooks

	// Listeners - точка регистрации типоспецифичных слушателей сокета.
	// Вызывается один раз при инициализации сессии.
	Listeners func(bus EventBus, c *EntityCollection)
}

// embeddedDecl находит объявление встроенного типа по имени.
func (t *EntityType) embeddedDecl(name string) (EmbeddedDecl, bool) {
	for _, d := range t.Embedded {
		if d.Type.Name == name {
			return d, true
		}
	}
	return EmbeddedDecl{}, false
}

// --- РЕЕСТР ---

// Registry - явная таблица маршрутизации "имя типа -> коллекция",
// построенная один раз при инициализации сессии. Заменяет динамический
// поиск класса по глобальному конфигу.
type Registry struct {
	types       map[string]*EntityType
	collections map[string]*EntityCollection
	order       []string
}

func NewRegistry() *Registry {
	return &Registry{
		types:       map[string]*EntityType{},
		collections: map[string]*EntityCollection{},
	}
}

func (r *Registry) Register(c *EntityCollection) {
	name := c.Type.Name
	if _, ok := r.collections[name]; !ok {
		r.order = append(r.order, name)
	}
	r.types[name] = c.Type
	r.collections[name] = c
}

// Collection возвращает коллекцию по имени типа, nil если тип неизвестен.
func (r *Registry) Collection(name string) *EntityCollection {
	return r.collections[name]
}

// Collections возвращает коллекции в порядке регистрации.
func (r *Registry) Collections() []*EntityCollection {
	out := make([]*EntityCollection, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.collections[name])
	}
	return out
}

// --- СТАНДАРТНЫЕ ТИПЫ ---

// Изображения-заглушки, которые сервер подставляет сам; клиентский
// зеркальный кэш обязан давать те же значения до прихода обновления.
const (
	DefaultActorImg = "icons/svg/mystery-man.svg"
	DefaultItemImg  = "icons/svg/item-bag.svg"
	DefaultSceneImg = "icons/svg/ruins.svg"
)

// StandardTypes возвращает свежий набор дескрипторов всех типов мира.
// Дескрипторы строятся заново на каждую сессию: хуки-замыкания могут
// захватывать состояние сессии.
func StandardTypes() []*EntityType {
	tokenType := &EntityType{Name: "Token"}
	combatantType := &EntityType{Name: "Combatant"}
	ownedItemType := &EntityType{Name: "OwnedItem", DefaultImg: DefaultItemImg}

	actor := &EntityType{
		Name:          "Actor",
		SnapshotField: "actors",
		DefaultImg:    DefaultActorImg,
		Embedded:      []EmbeddedDecl{{Type: ownedItemType, Field: "items"}},
	}

	item := &EntityType{
		Name:          "Item",
		SnapshotField: "items",
		DefaultImg:    DefaultItemImg,
	}

	scene := &EntityType{
		Name:          "Scene",
		SnapshotField: "scenes",
		DefaultImg:    DefaultSceneImg,
		Embedded:      []EmbeddedDecl{{Type: tokenType, Field: "tokens"}},
		Listeners: func(bus EventBus, c *EntityCollection) {
			// Сцены дополнительно слушают команды предзагрузки и
			// принудительного перехода. Оверлею достаточно их отметить.
			log := logger.WithComponent("world.scenes")
			bus.On("preload", func(data json.RawMessage) {
				log.WithField("payload", string(data)).Debug("Scene preload requested")
			})
			bus.On("pullToScene", func(data json.RawMessage) {
				log.WithField("payload", string(data)).Info("Pulled to scene")
			})
		},
	}

	combat := &EntityType{
		Name:          "Combat",
		SnapshotField: "combat",
		Embedded:      []EmbeddedDecl{{Type: combatantType, Field: "combatants"}},
	}

	user := &EntityType{
		Name:          "User",
		SnapshotField: "users",
	}

	message := &EntityType{
		Name:          "ChatMessage",
		SnapshotField: "messages",
	}

	return []*EntityType{actor, item, scene, combat, user, message}
}
