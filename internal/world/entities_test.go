package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/santalucial/fvtt-module-streamdeck/internal/domain"
	"github.com/santalucial/fvtt-module-streamdeck/pkg/api"
)

// fakeSocket - заглушка транспорта: считает вызовы и отвечает эхом,
// как сервер, подтверждающий каждую операцию.
type fakeSocket struct {
	calls   int
	lastReq api.ModifyRequest
	err     error
}

func (f *fakeSocket) Dispatch(_ context.Context, event string, payload any) (json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var req api.ModifyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	f.lastReq = req

	var result any
	switch req.Action {
	case api.ActionCreate:
		for i, record := range req.Data {
			if _, ok := record["_id"]; !ok {
				record["_id"] = fmt.Sprintf("srv-%d", i+1)
			}
		}
		result = req.Data
	case api.ActionUpdate:
		result = req.Data
	case api.ActionDelete:
		result = req.IDs
	}
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(api.ModifyResponse{Request: req, Result: resultRaw, UserID: "u-test"})
}

type recordingObserver struct {
	changes []Change
}

func (o *recordingObserver) Render(change Change) {
	o.changes = append(o.changes, change)
}

func actorType() *EntityType {
	for _, t := range StandardTypes() {
		if t.Name == "Actor" {
			return t
		}
	}
	return nil
}

func newTestCollection(t *testing.T, records []map[string]any) (*EntityCollection, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	session := &Session{
		User:   domain.User{ID: "u1", Name: "Player One", Role: domain.RolePlayer},
		Socket: sock,
	}
	return NewEntityCollection(actorType(), records, session), sock
}

func TestBootstrapSkipsMalformedRecords(t *testing.T) {
	records := []map[string]any{
		{"_id": "a1", "name": "Hero"},
		{"name": "no id, must be skipped"},
		{"_id": "a2"},
	}
	c, _ := newTestCollection(t, records)

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if e := c.Get("a1"); e == nil || e.Name() != "Hero" {
		t.Fatalf("a1 = %v, want Hero", e)
	}
	// Запись без имени получает имя-заглушку при деривации.
	if e := c.Get("a2"); e == nil || e.Name() != "New Actor" {
		t.Fatalf("a2 name = %q, want fallback", c.Get("a2").Name())
	}
}

func TestGetName(t *testing.T) {
	c, _ := newTestCollection(t, []map[string]any{
		{"_id": "a1", "name": "Hero"},
	})

	e, err := c.GetName("Hero", true)
	if err != nil || e == nil || e.ID() != "a1" {
		t.Fatalf("GetName(Hero) = (%v, %v)", e, err)
	}

	e, err = c.GetName("Nobody", false)
	if err != nil || e != nil {
		t.Fatalf("non-strict miss = (%v, %v), want (nil, nil)", e, err)
	}

	if _, err := c.GetName("Nobody", true); err == nil {
		t.Fatal("strict miss must return an error")
	}
}

func TestCreateInsertsServerRecords(t *testing.T) {
	c, sock := newTestCollection(t, nil)
	obs := &recordingObserver{}
	c.RegisterObserver(obs)

	created, err := c.Create(context.Background(), []map[string]any{
		{"name": "Alpha"}, {"name": "Beta"},
	}, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) != 2 || c.Len() != 2 {
		t.Fatalf("created %d, collection %d, want 2/2", len(created), c.Len())
	}
	if sock.calls != 1 {
		t.Fatalf("dispatches = %d, want 1", sock.calls)
	}
	if len(obs.changes) != 1 || obs.changes[0].Action != api.ActionCreate || len(obs.changes[0].IDs) != 2 {
		t.Fatalf("observer got %+v, want one create change with 2 ids", obs.changes)
	}
}

func TestCreateTemporaryStaysOutOfCollection(t *testing.T) {
	c, _ := newTestCollection(t, nil)
	obs := &recordingObserver{}
	c.RegisterObserver(obs)

	e, err := c.CreateOne(context.Background(), map[string]any{"name": "Ghost"}, CreateOptions{Temporary: true})
	if err != nil {
		t.Fatalf("CreateOne: %v", err)
	}
	if !e.Options.Temporary {
		t.Fatal("entity is not marked temporary")
	}
	if c.Len() != 0 {
		t.Fatalf("temporary entity leaked into the collection, len = %d", c.Len())
	}
	if len(obs.changes) != 0 {
		t.Fatalf("temporary create must not notify observers, got %+v", obs.changes)
	}
}

func TestUpdateNoopSkipsNetwork(t *testing.T) {
	c, sock := newTestCollection(t, []map[string]any{
		{"_id": "a1", "name": "Hero", "data": map[string]any{"hp": float64(10)}},
	})

	// Payload повторяет текущее состояние: дифф пуст, сеть не трогаем.
	updated, err := c.UpdateMany(context.Background(), []map[string]any{
		{"_id": "a1", "name": "Hero", "data.hp": 10},
	}, DefaultUpdateOptions())
	if err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}
	if len(updated) != 0 {
		t.Fatalf("updated = %d entities, want 0", len(updated))
	}
	if sock.calls != 0 {
		t.Fatalf("dispatches = %d, want 0 for a no-op update", sock.calls)
	}
}

func TestUpdateAppliesInPlace(t *testing.T) {
	c, sock := newTestCollection(t, []map[string]any{
		{"_id": "a1", "name": "Hero", "data": map[string]any{"hp": float64(10), "mp": float64(5)}},
	})
	obs := &recordingObserver{}
	c.RegisterObserver(obs)

	before := c.Get("a1")

	updated, err := c.UpdateMany(context.Background(), []map[string]any{
		{"_id": "a1", "data.hp": 3},
	}, DefaultUpdateOptions())
	if err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}
	if len(updated) != 1 || updated[0] != before {
		t.Fatal("update must mutate the live instance, not replace it")
	}

	// Дифф должен был сузить payload до одного поля.
	if len(sock.lastReq.Data) != 1 {
		t.Fatalf("batch = %v, want a single diffed item", sock.lastReq.Data)
	}
	data := before.Data["data"].(map[string]any)
	if hp, _ := data["hp"].(float64); hp != 3 {
		t.Fatalf("hp = %v, want 3", data["hp"])
	}
	if mp, _ := data["mp"].(float64); mp != 5 {
		t.Fatalf("mp = %v, untouched field must survive the merge", data["mp"])
	}
	if len(obs.changes) != 1 || obs.changes[0].Action != api.ActionUpdate {
		t.Fatalf("observer got %+v, want one update change", obs.changes)
	}
}

func TestUpdateUnknownIDFails(t *testing.T) {
	c, sock := newTestCollection(t, nil)

	if _, err := c.UpdateMany(context.Background(), []map[string]any{{"_id": "ghost", "name": "x"}}, DefaultUpdateOptions()); err == nil {
		t.Fatal("update of an unknown id must fail")
	}
	if _, err := c.UpdateMany(context.Background(), []map[string]any{{"name": "x"}}, DefaultUpdateOptions()); !errors.Is(err, api.ErrMissingID) {
		t.Fatalf("err = %v, want ErrMissingID", err)
	}
	if sock.calls != 0 {
		t.Fatal("validation failures must not reach the network")
	}
}

func TestUpdateReplacesPermissionMapWholesale(t *testing.T) {
	c, _ := newTestCollection(t, []map[string]any{
		{"_id": "a1", "name": "Hero", "permission": map[string]any{
			"u1": float64(3), "u2": float64(2), "default": float64(1),
		}},
	})

	// Отзыв прав: новая карта короче старой. Мердж оставил бы u2 и
	// default в силе, замена целиком - нет.
	_, err := c.UpdateMany(context.Background(), []map[string]any{
		{"_id": "a1", "permission": map[string]any{"u1": 3}},
	}, UpdateOptions{Diff: false})
	if err != nil {
		t.Fatalf("UpdateMany: %v", err)
	}

	e := c.Get("a1")
	perms, _ := e.Data["permission"].(map[string]any)
	if len(perms) != 1 {
		t.Fatalf("permission map = %v, want only the u1 entry", perms)
	}
	u2 := domain.User{ID: "u2", Role: domain.RolePlayer}
	if e.Visible(u2) {
		t.Fatal("u2 kept access after the permission map was replaced")
	}
}

func TestDeleteRemovesEntities(t *testing.T) {
	c, _ := newTestCollection(t, []map[string]any{
		{"_id": "a1"}, {"_id": "a2"}, {"_id": "a3"},
	})
	obs := &recordingObserver{}
	c.RegisterObserver(obs)

	deleted, err := c.DeleteMany(context.Background(), []string{"a2"}, DeleteOptions{})
	if err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "a2" {
		t.Fatalf("deleted = %v, want [a2]", deleted)
	}
	if c.Len() != 2 || c.Get("a2") != nil {
		t.Fatal("a2 is still in the collection")
	}
	if len(obs.changes) != 1 || obs.changes[0].Action != api.ActionDelete {
		t.Fatalf("observer got %+v, want one delete change", obs.changes)
	}
}

func TestDeleteAllEmptiesCollection(t *testing.T) {
	c, _ := newTestCollection(t, []map[string]any{
		{"_id": "a1"}, {"_id": "a2"},
	})

	deleted, err := c.DeleteMany(context.Background(), nil, DeleteOptions{DeleteAll: true})
	if err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if len(deleted) != 2 || c.Len() != 0 {
		t.Fatalf("deleted %d, remaining %d, want 2/0", len(deleted), c.Len())
	}
}

func TestDeleteNoticeReportsOnlyRemovedIDs(t *testing.T) {
	c, _ := newTestCollection(t, []map[string]any{{"_id": "a1"}, {"_id": "a2"}})
	obs := &recordingObserver{}
	c.RegisterObserver(obs)

	// Уведомление об удалении может догнать уже обработанный локальный
	// ответ: часть id отсутствует. Наблюдатели видят только реальные.
	raw, _ := json.Marshal([]string{"a1", "already-gone"})
	c.ApplyModify(&api.ModifyResponse{
		Request: api.ModifyRequest{Type: "Actor", Action: api.ActionDelete},
		Result:  raw,
		UserID:  "u-other",
	})

	if c.Len() != 1 || c.Get("a1") != nil {
		t.Fatal("a1 was not removed")
	}
	if len(obs.changes) != 1 {
		t.Fatalf("observer got %d changes, want 1", len(obs.changes))
	}
	if got := obs.changes[0].IDs; len(got) != 1 || got[0] != "a1" {
		t.Fatalf("change ids = %v, want only the removed a1", got)
	}
}

func TestRemoveAbsentIDIsNoop(t *testing.T) {
	c, _ := newTestCollection(t, []map[string]any{{"_id": "a1"}})

	if !c.Remove("a1") {
		t.Fatal("Remove of existing id returned false")
	}
	if c.Remove("a1") {
		t.Fatal("second Remove must be a silent no-op returning false")
	}
	if c.Remove("never-existed") {
		t.Fatal("Remove of unknown id returned true")
	}
}

func TestInsertRejectsForeignType(t *testing.T) {
	c, _ := newTestCollection(t, nil)
	item := &EntityType{Name: "Item"}
	e := NewEntity(item, map[string]any{"_id": "i1"}, EntityOptions{}, nil)

	if err := c.Insert(e); err == nil {
		t.Fatal("inserting an Item into the Actor collection must fail")
	}
}

func TestApplyModifyRoutesRemoteChanges(t *testing.T) {
	c, _ := newTestCollection(t, []map[string]any{{"_id": "a1", "name": "Hero"}})

	// Чужое создание.
	record := map[string]any{"_id": "a9", "name": "Remote"}
	raw, _ := json.Marshal([]map[string]any{record})
	c.ApplyModify(&api.ModifyResponse{
		Request: api.ModifyRequest{Type: "Actor", Action: api.ActionCreate},
		Result:  raw,
		UserID:  "u-other",
	})
	if c.Len() != 2 || c.Get("a9") == nil {
		t.Fatal("remote create was not applied")
	}

	// Чужое удаление.
	raw, _ = json.Marshal([]string{"a1"})
	c.ApplyModify(&api.ModifyResponse{
		Request: api.ModifyRequest{Type: "Actor", Action: api.ActionDelete},
		Result:  raw,
		UserID:  "u-other",
	})
	if c.Get("a1") != nil {
		t.Fatal("remote delete was not applied")
	}
}

func TestExportFiltersAndCopies(t *testing.T) {
	c, _ := newTestCollection(t, []map[string]any{
		{"_id": "a1", "name": "Mine", "permission": map[string]any{"u1": float64(3)}},
		{"_id": "a2", "name": "Theirs", "permission": map[string]any{"u2": float64(3)}},
	})
	u1 := domain.User{ID: "u1", Role: domain.RolePlayer}

	out := c.Export(func(e *Entity) bool { return e.Visible(u1) })
	if len(out) != 1 || out[0]["_id"] != "a1" {
		t.Fatalf("export = %v, want only a1", out)
	}

	// Экспорт отдает копии: мутация результата не задевает кэш.
	out[0]["name"] = "hacked"
	if c.Get("a1").Name() != "Mine" {
		t.Fatal("export leaked a reference to live data")
	}
}

type fakePacks struct {
	entries map[string]map[string]any
}

func (f *fakePacks) GetEntry(_ context.Context, pack, entryID string) (map[string]any, error) {
	e, ok := f.entries[pack+"/"+entryID]
	if !ok {
		return nil, fmt.Errorf("no entry %s in %s", entryID, pack)
	}
	return e, nil
}

func TestImportFromCollection(t *testing.T) {
	c, sock := newTestCollection(t, nil)
	c.session.Packs = &fakePacks{entries: map[string]map[string]any{
		"world.heroes/h1": {
			"_id":    "h1",
			"name":   "Packed Hero",
			"folder": "f9",
			"sort":   float64(100),
		},
	}}

	e, err := c.ImportFromCollection(context.Background(), "world.heroes", "h1",
		map[string]any{"name": "Imported Hero"}, CreateOptions{})
	if err != nil {
		t.Fatalf("ImportFromCollection: %v", err)
	}
	if e.Name() != "Imported Hero" {
		t.Fatalf("name = %q, want override applied", e.Name())
	}
	// Пак-локальные поля вычищены до отправки на сервер.
	sent := sock.lastReq.Data[0]
	for _, field := range []string{"folder", "sort"} {
		if _, ok := sent[field]; ok {
			t.Fatalf("pack-local field %q leaked into the create payload", field)
		}
	}
	if sent["_id"] == "h1" {
		t.Fatal("pack entry id leaked into the create payload")
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want the imported entity inserted", c.Len())
	}
}

func TestDispatchErrorLeavesStateUntouched(t *testing.T) {
	c, sock := newTestCollection(t, []map[string]any{{"_id": "a1", "name": "Hero"}})
	sock.err = errors.New("boom")

	if _, err := c.UpdateMany(context.Background(), []map[string]any{
		{"_id": "a1", "name": "Changed"},
	}, DefaultUpdateOptions()); err == nil {
		t.Fatal("transport error must surface")
	}
	if c.Get("a1").Name() != "Hero" {
		t.Fatal("failed update mutated local state")
	}
}
