package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/santalucial/fvtt-module-streamdeck/internal/game"
	"github.com/santalucial/fvtt-module-streamdeck/internal/network"
	"github.com/santalucial/fvtt-module-streamdeck/internal/version"
	"github.com/santalucial/fvtt-module-streamdeck/internal/world"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/logger"
)

// Server - локальный read-only фасад над зеркалом мира: состояние
// коллекций по HTTP плюс поток изменений по SSE. Писать через него
// нельзя - все мутации идут только через игровой сервер.
type Server struct {
	Game *game.Game
	Port string

	hub *network.Broadcaster[world.Change]
}

func New(g *game.Game, port string) *Server {
	return &Server{
		Game: g,
		Port: port,
		hub:  network.NewBroadcaster[world.Change](),
	}
}

// Render пересылает батч-изменение коллекции всем SSE-подписчикам.
func (s *Server) Render(change world.Change) {
	s.hub.Broadcast(change)
}

// Run подписывается на все коллекции и запускает HTTP сервер.
func (s *Server) Run() error {
	for _, c := range s.Game.Registry().Collections() {
		c.RegisterObserver(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", enableCORS(s.handleHealth))
	mux.HandleFunc("/version", enableCORS(s.handleVersion))
	mux.HandleFunc("/state/", enableCORS(s.handleState))
	mux.HandleFunc("/events", enableCORS(s.handleEvents))

	logger.WithComponent("server").Infof("Overlay facade running on :%s", s.Port)
	return http.ListenAndServe(":"+s.Port, mux)
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Разрешаем запросы с локальных панелей
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, version.Info())
}

// /state/{type}?filter=owned|visible - экспорт коллекции.
// Фильтры считаются от пользователя сессии оверлея.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	typeName := strings.TrimPrefix(r.URL.Path, "/state/")
	c := s.Game.Collection(typeName)
	if c == nil {
		http.Error(w, fmt.Sprintf("unknown entity type %q", typeName), http.StatusNotFound)
		return
	}

	user := s.Game.Session().User
	var filter func(*world.Entity) bool
	switch r.URL.Query().Get("filter") {
	case "":
	case "owned":
		filter = func(e *world.Entity) bool { return e.IsOwner(user) }
	case "visible":
		filter = func(e *world.Entity) bool { return e.Visible(user) }
	default:
		http.Error(w, "unknown filter, expected owned or visible", http.StatusBadRequest)
		return
	}

	writeJSON(w, c.Export(filter))
}

// /events - поток изменений коллекций в формате Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	ch := s.hub.Register(id)
	defer s.hub.Unregister(id)
	logger.WithComponent("server").WithField("subscriber", id).Debug("SSE subscriber connected")

	for {
		select {
		case change, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")

	// Пустая коллекция отдается как [], а не null.
	if data == nil {
		w.Write([]byte("[]"))
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.WithComponent("server").WithError(err).Warn("failed to encode response")
	}
}
