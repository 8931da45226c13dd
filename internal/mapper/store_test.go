package mapper

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/x1a0/bcproxy/internal/gmcp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "mapper.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func mustEvent(t *testing.T, name string, data any) gmcp.Event {
	t.Helper()
	ev, err := gmcp.New(name, data)
	if err != nil {
		t.Fatalf("gmcp.New(%s): %v", name, err)
	}
	return ev
}

func TestSaveRoomIgnoresDuplicates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	room := &Room{ID: "abc123", Area: "city", ShortDesc: "The Square"}
	if err := store.SaveRoom(ctx, room); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}
	dup := &Room{ID: "abc123", Area: "elsewhere", ShortDesc: "Not The Square"}
	if err := store.SaveRoom(ctx, dup); err != nil {
		t.Fatalf("SaveRoom duplicate: %v", err)
	}

	got, err := store.Room(ctx, "abc123")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if got.ShortDesc != "The Square" {
		t.Errorf("duplicate insert overwrote room: got %q", got.ShortDesc)
	}
}

func TestRecordKill(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mob := &Monster{Name: "orc", Area: "caves", RoomID: "r1"}
	if err := store.SaveMonster(ctx, mob); err != nil {
		t.Fatalf("SaveMonster: %v", err)
	}

	for _, exp := range []int64{100, 300, 200} {
		if err := store.RecordKill(ctx, "orc", "caves", exp); err != nil {
			t.Fatalf("RecordKill(%d): %v", exp, err)
		}
	}

	var got Monster
	if err := store.db.First(&got, "name = ? AND area = ?", "orc", "caves").Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Kills != 3 {
		t.Errorf("Kills = %d, want 3", got.Kills)
	}
	if got.ExpMin == nil || *got.ExpMin != 100 {
		t.Errorf("ExpMin = %v, want 100", got.ExpMin)
	}
	if got.ExpMax == nil || *got.ExpMax != 300 {
		t.Errorf("ExpMax = %v, want 300", got.ExpMax)
	}
	if got.ExpAverage == nil || *got.ExpAverage != 200 {
		t.Errorf("ExpAverage = %v, want 200", got.ExpAverage)
	}
}

func TestRecordKillUnknownMonster(t *testing.T) {
	store := openTestStore(t)
	if err := store.RecordKill(context.Background(), "nobody", "nowhere", 50); err != nil {
		t.Fatalf("RecordKill for unknown monster: %v", err)
	}
}

func TestRecorderMapsMovement(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec := store.NewRecorder(slog.Default())

	rec.HandleEvent(ctx, mustEvent(t, "Room.Info", map[string]any{
		"id": "r1", "short": "The Square", "area": "city",
		"exits": []string{"north", "east"},
	}))
	rec.HandleEvent(ctx, mustEvent(t, "Room.Info", map[string]any{
		"id": "r2", "short": "North Road", "area": "city",
		"exits": []string{"south"}, "from": "north",
	}))

	room, err := store.Room(ctx, "r2")
	if err != nil {
		t.Fatalf("Room(r2): %v", err)
	}
	if room.Exits != "south" {
		t.Errorf("Exits = %q, want %q", room.Exits, "south")
	}

	var link RoomLink
	if err := store.db.First(&link, "source_id = ?", "r1").Error; err != nil {
		t.Fatalf("link lookup: %v", err)
	}
	if link.DestinationID != "r2" || link.Exit != "north" {
		t.Errorf("link = %s -> %s via %q, want r1 -> r2 via north",
			link.SourceID, link.DestinationID, link.Exit)
	}
}

func TestRecorderResetsChainOutsideMap(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec := store.NewRecorder(nil)

	rec.HandleEvent(ctx, mustEvent(t, "Room.Info", map[string]any{"id": "r1", "area": "city"}))
	// Wilderness rooms report no ID; movement through them must not link.
	rec.HandleEvent(ctx, mustEvent(t, "Room.Info", map[string]any{"id": ""}))
	rec.HandleEvent(ctx, mustEvent(t, "Room.Info", map[string]any{
		"id": "r9", "area": "forest", "from": "west",
	}))

	var count int64
	if err := store.db.Model(&RoomLink{}).Count(&count).Error; err != nil {
		t.Fatalf("count links: %v", err)
	}
	if count != 0 {
		t.Errorf("links recorded across unmapped room: %d, want 0", count)
	}
}

func TestRecorderMonsterAndKill(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec := store.NewRecorder(nil)

	rec.HandleEvent(ctx, mustEvent(t, "Room.Info", map[string]any{"id": "r1", "area": "caves"}))
	rec.HandleEvent(ctx, mustEvent(t, "Room.Monster", map[string]any{"name": "orc", "aggro": true}))
	rec.HandleEvent(ctx, mustEvent(t, "Char.Kill", map[string]any{
		"name": "orc", "area": "caves", "exp": 120,
	}))

	var mob Monster
	if err := store.db.First(&mob, "name = ?", "orc").Error; err != nil {
		t.Fatalf("monster lookup: %v", err)
	}
	if !mob.Aggro || mob.RoomID != "r1" || mob.Area != "caves" {
		t.Errorf("monster = %+v, want aggro in r1/caves", mob)
	}
	if mob.Kills != 1 || mob.ExpAverage == nil || *mob.ExpAverage != 120 {
		t.Errorf("kill stats = kills %d avg %v, want 1 and 120", mob.Kills, mob.ExpAverage)
	}

	// Events the recorder does not understand are ignored.
	rec.HandleEvent(ctx, mustEvent(t, "Comm.Channel.Text", "hello"))
}
