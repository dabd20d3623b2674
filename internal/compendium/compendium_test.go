package compendium

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeDispatcher struct {
	event   string
	payload any
	resp    json.RawMessage
	err     error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, event string, payload any) (json.RawMessage, error) {
	f.event = event
	f.payload = payload
	return f.resp, f.err
}

func TestGetEntry(t *testing.T) {
	fake := &fakeDispatcher{resp: json.RawMessage(`{"_id":"h1","name":"Hero"}`)}
	c := NewClient(fake)

	entry, err := c.GetEntry(context.Background(), "world.heroes", "h1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if fake.event != "getPackEntry" {
		t.Fatalf("event = %q, want getPackEntry", fake.event)
	}
	if entry["name"] != "Hero" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestGetEntryValidatesArgs(t *testing.T) {
	c := NewClient(&fakeDispatcher{})
	if _, err := c.GetEntry(context.Background(), "", "h1"); err == nil {
		t.Fatal("empty pack must fail")
	}
	if _, err := c.GetEntry(context.Background(), "world.heroes", ""); err == nil {
		t.Fatal("empty entry id must fail")
	}
}

func TestGetEntryPropagatesTransportError(t *testing.T) {
	fake := &fakeDispatcher{err: errors.New("boom")}
	c := NewClient(fake)
	if _, err := c.GetEntry(context.Background(), "world.heroes", "h1"); err == nil {
		t.Fatal("transport error must surface")
	}
}

func TestGetEntryNullResponse(t *testing.T) {
	fake := &fakeDispatcher{resp: json.RawMessage(`null`)}
	c := NewClient(fake)
	if _, err := c.GetEntry(context.Background(), "world.heroes", "ghost"); err == nil {
		t.Fatal("null entry must be an error")
	}
}
