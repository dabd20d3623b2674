package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/santalucial/fvtt-module-streamdeck/internal/game"
	"github.com/santalucial/fvtt-module-streamdeck/internal/journal"
	"github.com/santalucial/fvtt-module-streamdeck/internal/server"
	"github.com/santalucial/fvtt-module-streamdeck/internal/transport"
	"github.com/santalucial/fvtt-module-streamdeck/internal/version"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/api"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/logger"
)

func init() {
	// .env удобен при локальной разработке; в проде переменные
	// приходят из окружения и файла может не быть.
	_ = godotenv.Load()
	logger.Init()
}

func main() {
	var replayPath string
	flag.StringVar(&replayPath, "replay", "", "Path to .fvtj journal file to replay")
	flag.Parse()

	logger.Log.Info("Starting world overlay...")
	logger.Log.Info(version.String())

	cfg := game.NewConfig()

	// РЕЖИМ ПРОИГРЫВАНИЯ ЖУРНАЛА
	if replayPath != "" {
		logger.Log.Info("Mode: Journal Replay")
		if err := runReplay(cfg, replayPath); err != nil {
			logger.Log.Fatal("Replay failed: ", err)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	socket, err := transport.Dial(ctx, cfg.ServerURL, cfg.SessionToken)
	cancel()
	if err != nil {
		logger.Log.Fatal("Connect error: ", err)
	}
	defer socket.Close()

	// Журналирование: снапшот и все входящие уведомления пишутся в
	// журнал сессии, чтобы сессию можно было проиграть без сервера.
	recorder := journal.NewRecorder(cfg.JournalDir)
	conn := &recordingConn{socket: socket, recorder: recorder}

	g := game.New(conn)
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = g.Initialize(ctx, cfg.UserID)
	cancel()
	if err != nil {
		logger.Log.Fatal("Initialization error: ", err)
	}

	// Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	srv := server.New(g, cfg.HTTPPort)
	go func() {
		if err := srv.Run(); err != nil {
			logger.Log.Fatal("Server start error: ", err)
		}
	}()

	select {
	case <-stop:
		logger.Log.Info("Shutting down...")
	case <-socket.Done():
		logger.Log.Warn("Connection lost, shutting down...")
	}

	if recorder.Len() > 0 {
		if path, err := recorder.Save(); err != nil {
			logger.Log.WithError(err).Error("Failed to save session journal")
		} else {
			logger.Log.Infof("Session journal saved to %s", path)
		}
	}
	logger.Log.Info("Done.")
}

// runReplay восстанавливает сессию из журнала: первый записанный
// world-снапшот инициализирует зеркало, остальные события скармливаются
// обработчику в исходном порядке. Фасад при этом работает как обычно.
func runReplay(cfg game.Config, path string) error {
	session, err := journal.Load(path)
	if err != nil {
		return err
	}
	logger.Log.Infof("Journal loaded: %d events from %s", len(session.Events), session.StartedAt.Format(time.RFC3339))

	conn := &replayConn{}
	var rest []journal.Event
	for _, ev := range session.Events {
		if ev.Event == api.EventWorld && conn.snapshot == nil {
			conn.snapshot = ev.Payload
			continue
		}
		rest = append(rest, ev)
	}
	if conn.snapshot == nil {
		return errors.New("journal has no world snapshot, cannot bootstrap")
	}

	userID := cfg.UserID
	if userID == "" {
		// Без явного пользователя играем от имени первого в снапшоте.
		var snap api.WorldSnapshot
		if err := json.Unmarshal(conn.snapshot, &snap); err != nil {
			return err
		}
		if len(snap.Users) == 0 {
			return errors.New("snapshot has no users")
		}
		userID, _ = snap.Users[0]["_id"].(string)
	}

	g := game.New(conn)
	if err := g.Initialize(context.Background(), userID); err != nil {
		return err
	}

	for _, ev := range rest {
		g.HandleEvent(ev.Event, ev.Payload)
	}

	logger.Log.Infof("Replay complete: %d events applied", len(rest))
	for _, c := range g.Registry().Collections() {
		logger.Log.Infof("  %s: %d entities", c.Type.Name, c.Len())
	}
	return nil
}

// recordingConn пишет в журнал world-снапшот и все входящие уведомления,
// прозрачно делегируя сокету.
type recordingConn struct {
	socket   *transport.Socket
	recorder *journal.Recorder
}

func (c *recordingConn) Dispatch(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	resp, err := c.socket.Dispatch(ctx, event, payload)
	if err == nil && event == api.EventWorld {
		c.recorder.Append(event, resp)
	}
	return resp, err
}

func (c *recordingConn) On(event string, h transport.Handler) {
	c.socket.On(event, func(ev string, data json.RawMessage) {
		c.recorder.Append(ev, data)
		h(ev, data)
	})
}

// replayConn - транспорт без сервера: отдает записанный снапшот и
// игнорирует подписки, события доставляются напрямую из журнала.
type replayConn struct {
	snapshot json.RawMessage
}

func (c *replayConn) Dispatch(_ context.Context, event string, _ any) (json.RawMessage, error) {
	if event == api.EventWorld {
		return c.snapshot, nil
	}
	return nil, errors.New("replay: no live server, request channels are unavailable")
}

func (c *replayConn) On(event string, h transport.Handler) {}
