package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/santalucial/fvtt-module-streamdeck/pkg/api"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/logger"
)

// Настройки WebSocket
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // снапшоты больших миров занимают мегабайты
)

// ErrSocketClosed возвращается всем ожидающим Dispatch при разрыве
// соединения: подвешивать вызывающие горутины навсегда нельзя.
var ErrSocketClosed = errors.New("transport: socket closed")

// Handler - обработчик широковещательного уведомления.
// Все обработчики вызываются последовательно на горутине чтения:
// это и есть "однопоточный event loop" ядра синхронизации.
type Handler func(event string, data json.RawMessage)

// frame - единица обмена по сокету. Запросы несут requestId;
// ответ сервера возвращает его же, уведомления идут без requestId.
type frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Socket - клиентское соединение с игровым сервером: один запрос -
// ровно один ответ (Dispatch) поверх свободного двунаправленного потока
// событий (On).
type Socket struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	pending  map[string]chan json.RawMessage
	handlers map[string][]Handler

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial устанавливает соединение. Токен сессии передается cookie-заголовком;
// его получение - забота вызывающего кода, здесь он непрозрачен.
func Dial(ctx context.Context, url, sessionToken string) (*Socket, error) {
	header := http.Header{}
	if sessionToken != "" {
		header.Set("Cookie", "session="+sessionToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := newSocket(conn)
	go s.readPump()
	go s.writePump()
	logger.WithComponent("transport").WithField("url", url).Info("Socket connected")
	return s, nil
}

func newSocket(conn *websocket.Conn) *Socket {
	return &Socket{
		conn:     conn,
		send:     make(chan []byte, 256),
		pending:  map[string]chan json.RawMessage{},
		handlers: map[string][]Handler{},
		closed:   make(chan struct{}),
	}
}

// On регистрирует обработчик уведомлений по имени события.
// Регистрация выполняется при инициализации сессии, до первого кадра.
func (s *Socket) On(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// Dispatch отправляет один запрос и ждет ровно один ответ.
// Ошибка, присланная сервером в теле ответа, нормализуется в
// *api.ServerError; локальное состояние при этом не трогается.
// Отмена контекста снимает ожидание, но не отзывает запрос: сервер
// все равно его выполнит.
func (s *Socket) Dispatch(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = b
	}

	requestID := uuid.NewString()
	f := frame{Event: event, RequestID: requestID, Data: data}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	reply := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pending[requestID] = reply
	s.mu.Unlock()

	select {
	case s.send <- raw:
	case <-s.closed:
		s.dropPending(requestID)
		return nil, ErrSocketClosed
	case <-ctx.Done():
		s.dropPending(requestID)
		return nil, ctx.Err()
	}

	select {
	case resp := <-reply:
		return s.checkServerError(event, resp)
	case <-s.closed:
		s.dropPending(requestID)
		return nil, ErrSocketClosed
	case <-ctx.Done():
		s.dropPending(requestID)
		return nil, ctx.Err()
	}
}

// checkServerError ищет в ответе серверную ошибку и нормализует ее.
func (s *Socket) checkServerError(event string, resp json.RawMessage) (json.RawMessage, error) {
	if !gjson.GetBytes(resp, "error").Exists() {
		return resp, nil
	}
	serr := &api.ServerError{}
	raw := gjson.GetBytes(resp, "error").Raw
	if err := json.Unmarshal([]byte(raw), serr); err != nil || serr.Message == "" {
		serr.Message = raw
	}
	logger.WithComponent("transport").WithField("event", event).Errorf("Server error: %s", serr.Message)
	if serr.Stack != "" {
		logger.WithComponent("transport").Debug(serr.Stack)
	}
	return nil, serr
}

func (s *Socket) dropPending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// handleFrame разбирает один входящий кадр. Имя события и requestId
// вынимаются gjson-пиком, payload не декодируется: это делает тот,
// кто знает его форму.
func (s *Socket) handleFrame(raw []byte) {
	requestID := gjson.GetBytes(raw, "requestId").String()
	data := json.RawMessage(gjson.GetBytes(raw, "data").Raw)

	if requestID != "" {
		s.mu.Lock()
		reply, ok := s.pending[requestID]
		delete(s.pending, requestID)
		s.mu.Unlock()
		if ok {
			reply <- data
		} else {
			// Ответ на запрос, ожидание которого снято контекстом.
			logger.WithComponent("transport").WithField("requestId", requestID).Debug("Late response dropped")
		}
		return
	}

	event := gjson.GetBytes(raw, "event").String()
	if event == "" {
		logger.WithComponent("transport").Warn("Frame without event name dropped")
		return
	}

	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers[event]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(event, data)
	}
}

// readPump читает кадры от сервера
func (s *Socket) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.WithComponent("transport").WithError(err).Warn("failed to set read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			logger.WithComponent("transport").WithError(err).Warn("failed to set pong read deadline")
		}
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithComponent("transport").Errorf("WS Error: %v", err)
			}
			return
		}
		s.handleFrame(raw)
	}
}

// writePump отправляет данные серверу + Ping
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case raw := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.WithComponent("transport").WithError(err).Warn("failed to set write deadline")
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.WithComponent("transport").WithError(err).Debug("write message failed")
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.WithComponent("transport").WithError(err).Warn("failed to set ping write deadline")
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.WithComponent("transport").WithError(err).Debug("ping failed")
				return
			}

		case <-s.closed:
			if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
				logger.WithComponent("transport").WithError(err).Debug("write close message failed")
			}
			return
		}
	}
}

// Close разрывает соединение. Все незавершенные Dispatch получают
// ErrSocketClosed. Повторные вызовы безопасны.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn == nil {
			return
		}
		if err := s.conn.Close(); err != nil {
			logger.WithComponent("transport").WithError(err).Debug("failed to close websocket connection")
		}
		logger.WithComponent("transport").Info("Socket closed")
	})
}

// Done закрывается при разрыве соединения; main ждет его для выхода.
func (s *Socket) Done() <-chan struct{} {
	return s.closed
}
