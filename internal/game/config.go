package game

import (
	"errors"
	"os"
)

// Config хранит параметры запуска оверлея. Значения приходят из
// окружения (или .env, который main загружает через godotenv).
type Config struct {
	// ServerURL - адрес websocket-эндпоинта игрового сервера.
	ServerURL string
	// SessionToken передается cookie-заголовком при рукопожатии.
	SessionToken string
	// UserID - id пользователя, от имени которого работает оверлей.
	UserID string

	// HTTPPort - порт локального read-only фасада.
	HTTPPort string
	// JournalDir - каталог журналов сессий.
	JournalDir string
}

// NewConfig читает конфиг из окружения с умолчаниями.
func NewConfig() Config {
	return Config{
		ServerURL:    os.Getenv("FVTT_SERVER_URL"),
		SessionToken: os.Getenv("FVTT_SESSION_TOKEN"),
		UserID:       os.Getenv("FVTT_USER_ID"),
		HTTPPort:     envOr("FVTT_HTTP_PORT", "8080"),
		JournalDir:   envOr("FVTT_JOURNAL_DIR", "journals"),
	}
}

// Validate проверяет поля, без которых онлайн-режим не запустится.
// Режим проигрывания журнала серверных реквизитов не требует.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("game: FVTT_SERVER_URL is required")
	}
	if c.UserID == "" {
		return errors.New("game: FVTT_USER_ID is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
