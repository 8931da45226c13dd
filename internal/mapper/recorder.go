package mapper

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/x1a0/bcproxy/internal/gmcp"
)

// Event names the recorder understands. Everything else is ignored — the
// relay forwards unknown events regardless.
const (
	eventRoomInfo    = "Room.Info"
	eventRoomMonster = "Room.Monster"
	eventCharKill    = "Char.Kill"
)

type roomInfo struct {
	ID     string   `json:"id"`
	Short  string   `json:"short"`
	Long   string   `json:"long"`
	Area   string   `json:"area"`
	Exits  []string `json:"exits"`
	Indoor bool     `json:"indoor"`
	// From is the exit direction taken to reach this room, when known.
	From string `json:"from"`
}

type roomMonster struct {
	Name  string `json:"name"`
	Aggro bool   `json:"aggro"`
}

type charKill struct {
	Name string `json:"name"`
	Area string `json:"area"`
	Exp  int64  `json:"exp"`
}

// Recorder consumes one session's decoded server events and writes world
// data to the store. It remembers the previously visited room so that
// movement produces links; sessions each get their own Recorder, so no
// synchronization is needed.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	prevRoom string
}

// NewRecorder returns a fresh per-session recorder.
func (s *Store) NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// HandleEvent persists mapper-relevant events. Failures are logged and
// swallowed: losing a room must never disturb the relay.
func (r *Recorder) HandleEvent(ctx context.Context, ev gmcp.Event) {
	switch ev.Name {
	case eventRoomInfo:
		r.handleRoomInfo(ctx, ev)
	case eventRoomMonster:
		r.handleRoomMonster(ctx, ev)
	case eventCharKill:
		r.handleCharKill(ctx, ev)
	}
}

func (r *Recorder) handleRoomInfo(ctx context.Context, ev gmcp.Event) {
	var info roomInfo
	if err := json.Unmarshal(ev.Raw, &info); err != nil {
		r.logger.Debug("unusable room info", "error", err)
		return
	}
	if info.ID == "" {
		// Outside the mapped world (e.g. outworld wilderness): break the
		// movement chain so no bogus link gets recorded.
		r.prevRoom = ""
		return
	}

	room := &Room{
		ID:        info.ID,
		Area:      info.Area,
		ShortDesc: info.Short,
		LongDesc:  info.Long,
		Exits:     strings.Join(info.Exits, ","),
		Indoor:    info.Indoor,
	}
	if err := r.store.SaveRoom(ctx, room); err != nil {
		r.logger.Warn("failed to save room", "room", info.ID, "error", err)
	}

	if r.prevRoom != "" && r.prevRoom != info.ID && info.From != "" {
		link := &RoomLink{
			SourceID:      r.prevRoom,
			DestinationID: info.ID,
			Exit:          info.From,
		}
		if err := r.store.SaveLink(ctx, link); err != nil {
			r.logger.Warn("failed to save room link",
				"from", r.prevRoom, "to", info.ID, "error", err)
		}
	}
	r.prevRoom = info.ID
}

func (r *Recorder) handleRoomMonster(ctx context.Context, ev gmcp.Event) {
	if r.prevRoom == "" {
		return
	}
	var mob roomMonster
	if err := json.Unmarshal(ev.Raw, &mob); err != nil || mob.Name == "" {
		return
	}
	room, err := r.store.Room(ctx, r.prevRoom)
	if err != nil {
		return
	}
	m := &Monster{
		Name:   mob.Name,
		Area:   room.Area,
		RoomID: room.ID,
		Aggro:  mob.Aggro,
	}
	if err := r.store.SaveMonster(ctx, m); err != nil {
		r.logger.Warn("failed to save monster", "monster", mob.Name, "error", err)
	}
}

func (r *Recorder) handleCharKill(ctx context.Context, ev gmcp.Event) {
	var kill charKill
	if err := json.Unmarshal(ev.Raw, &kill); err != nil || kill.Name == "" {
		return
	}
	if err := r.store.RecordKill(ctx, kill.Name, kill.Area, kill.Exp); err != nil {
		r.logger.Warn("failed to record kill", "monster", kill.Name, "error", err)
	}
}
