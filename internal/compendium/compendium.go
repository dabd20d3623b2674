package compendium

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/santalucial/fvtt-module-streamdeck/pkg/api"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/logger"
)

// dispatcher - минимальный транспортный контракт клиента компендиумов.
type dispatcher interface {
	Dispatch(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Client читает записи компендиумов через сокет. Паки живут на сервере;
// клиент ничего не кэширует - запись может меняться между чтениями.
type Client struct {
	socket dispatcher
	log    *logrus.Entry
}

func NewClient(socket dispatcher) *Client {
	return &Client{
		socket: socket,
		log:    logger.WithComponent("compendium"),
	}
}

// GetEntry запрашивает одну запись пака по id.
func (c *Client) GetEntry(ctx context.Context, pack, entryID string) (map[string]any, error) {
	if pack == "" || entryID == "" {
		return nil, fmt.Errorf("compendium: pack and entry id are required")
	}

	raw, err := c.socket.Dispatch(ctx, api.EventGetPackEntry, api.PackEntryRequest{
		Pack:    pack,
		EntryID: entryID,
	})
	if err != nil {
		return nil, fmt.Errorf("get pack entry %s/%s: %w", pack, entryID, err)
	}

	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode pack entry: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("compendium: no entry %s in %s", entryID, pack)
	}
	c.log.WithField("pack", pack).WithField("entry", entryID).Debug("Pack entry fetched")
	return entry, nil
}
