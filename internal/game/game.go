package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/santalucial/fvtt-module-streamdeck/internal/compendium"
	"github.com/santalucial/fvtt-module-streamdeck/internal/domain"
	"github.com/santalucial/fvtt-module-streamdeck/internal/transport"
	"github.com/santalucial/fvtt-module-streamdeck/internal/world"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/api"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/logger"
)

// Серверная шкала ролей пользователя; GAMEMASTER = 4.
const roleGamemaster = 4

// ErrSetupMode: сервер не имеет активного мира и отдал данные настройки.
var ErrSetupMode = errors.New("game: server is in setup mode, no active world")

// Connection - транспорт, который нужен сессии: запрос-ответ плюс
// подписка на уведомления. Реализуется transport.Socket.
type Connection interface {
	Dispatch(ctx context.Context, event string, payload any) (json.RawMessage, error)
	On(event string, h transport.Handler)
}

// Game - одна клиентская сессия: пользователь, реестр коллекций и
// состояние паузы. Вся она строится в Initialize из снапшота мира и
// дальше живет на входящих уведомлениях сокета.
type Game struct {
	conn     Connection
	session  *world.Session
	registry *world.Registry

	mu     sync.RWMutex
	paused bool

	log *logrus.Entry
}

func New(conn Connection) *Game {
	return &Game{
		conn: conn,
		log:  logger.WithComponent("game"),
	}
}

// Initialize запрашивает снапшот мира, находит действующего пользователя,
// строит реестр коллекций и подписывает обработчики уведомлений.
// Вызывается ровно один раз после установки соединения.
func (g *Game) Initialize(ctx context.Context, userID string) error {
	raw, err := g.conn.Dispatch(ctx, api.EventWorld, nil)
	if err != nil {
		return fmt.Errorf("request world snapshot: %w", err)
	}
	snapshot := &api.WorldSnapshot{}
	if err := json.Unmarshal(raw, snapshot); err != nil {
		return fmt.Errorf("decode world snapshot: %w", err)
	}
	if snapshot.Setup {
		return ErrSetupMode
	}

	user, err := findUser(snapshot.Users, userID)
	if err != nil {
		return err
	}
	g.log.WithField("user", user.Name).WithField("role", user.Role).Info("World snapshot received")

	g.session = &world.Session{
		User:   user,
		Socket: g.conn,
		Packs:  compendium.NewClient(g.conn),
	}

	g.registry = world.NewRegistry()
	bus := busAdapter{conn: g.conn}
	for _, t := range world.StandardTypes() {
		c := world.NewEntityCollection(t, snapshotField(snapshot, t.SnapshotField), g.session)
		g.registry.Register(c)
		if t.Listeners != nil {
			t.Listeners(bus, c)
		}
	}

	g.mu.Lock()
	g.paused = snapshot.Paused
	g.mu.Unlock()

	g.conn.On(api.EventModifyDocument, func(event string, data json.RawMessage) {
		g.HandleEvent(event, data)
	})
	g.conn.On(api.EventModifyEmbeddedDocument, func(event string, data json.RawMessage) {
		g.HandleEvent(event, data)
	})
	g.conn.On(api.EventPause, func(event string, data json.RawMessage) {
		g.HandleEvent(event, data)
	})
	return nil
}

// HandleEvent применяет одно серверное уведомление. Та же точка входа
// используется при проигрывании журнала: записанные кадры скармливаются
// сюда без живого сокета.
func (g *Game) HandleEvent(event string, data json.RawMessage) {
	switch event {
	case api.EventModifyDocument:
		g.handleModify(data)
	case api.EventModifyEmbeddedDocument:
		g.handleModifyEmbedded(data)
	case api.EventPause:
		g.handlePause(data)
	default:
		g.log.WithField("event", event).Debug("Unhandled event")
	}
}

func (g *Game) handleModify(data json.RawMessage) {
	resp := &api.ModifyResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		g.log.WithError(err).Warn("Malformed modifyDocument notice")
		return
	}
	c := g.registry.Collection(resp.Request.Type)
	if c == nil {
		g.log.WithField("type", resp.Request.Type).Warn("Notice for unknown entity type dropped")
		return
	}
	c.ApplyModify(resp)
}

func (g *Game) handleModifyEmbedded(data json.RawMessage) {
	resp := &api.EmbeddedResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		g.log.WithError(err).Warn("Malformed modifyEmbeddedDocument notice")
		return
	}
	c := g.registry.Collection(resp.Request.ParentType)
	if c == nil {
		g.log.WithField("type", resp.Request.ParentType).Warn("Notice for unknown parent type dropped")
		return
	}
	parent := c.Get(resp.Request.ParentID)
	if parent == nil {
		g.log.WithField("id", resp.Request.ParentID).Warn("Notice for unknown parent dropped")
		return
	}
	if _, _, err := parent.ApplyEmbedded(resp); err != nil {
		g.log.WithError(err).Warn("Failed to apply embedded change")
	}
}

func (g *Game) handlePause(data json.RawMessage) {
	notice := &api.PauseNotice{}
	if err := json.Unmarshal(data, notice); err != nil {
		g.log.WithError(err).Warn("Malformed pause notice")
		return
	}
	g.mu.Lock()
	g.paused = notice.Paused
	g.mu.Unlock()
	g.log.WithField("paused", notice.Paused).Info("World pause changed")
}

// Paused сообщает текущее состояние паузы мира.
func (g *Game) Paused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// Session возвращает контекст сессии (nil до Initialize).
func (g *Game) Session() *world.Session {
	return g.session
}

// Registry возвращает реестр коллекций (nil до Initialize).
func (g *Game) Registry() *world.Registry {
	return g.registry
}

// Collection - шорткат к коллекции по имени типа.
func (g *Game) Collection(name string) *world.EntityCollection {
	if g.registry == nil {
		return nil
	}
	return g.registry.Collection(name)
}

// findUser ищет запись пользователя в снапшоте и выводит роль.
func findUser(users []map[string]any, userID string) (domain.User, error) {
	for _, record := range users {
		id, _ := record["_id"].(string)
		if id != userID {
			continue
		}
		name, _ := record["name"].(string)
		role := domain.RolePlayer
		if n, ok := record["role"].(float64); ok && int(n) >= roleGamemaster {
			role = domain.RoleGM
		}
		return domain.User{ID: id, Name: name, Role: role}, nil
	}
	return domain.User{}, fmt.Errorf("game: user %q is not in the world snapshot", userID)
}

// snapshotField достает массив записей по имени поля снапшота.
func snapshotField(s *api.WorldSnapshot, field string) []map[string]any {
	switch field {
	case "users":
		return s.Users
	case "actors":
		return s.Actors
	case "items":
		return s.Items
	case "scenes":
		return s.Scenes
	case "combat":
		return s.Combats
	case "messages":
		return s.Messages
	}
	return nil
}

// busAdapter приводит Connection к world.EventBus для per-type слушателей.
type busAdapter struct {
	conn Connection
}

func (b busAdapter) On(event string, handler func(data json.RawMessage)) {
	b.conn.On(event, func(_ string, data json.RawMessage) {
		handler(data)
	})
}
