// Package mapper persists world data decoded from the extension event
// stream: rooms, the exits linking them, and monster sightings. It is a
// downstream consumer of the relay, not part of the protocol engine —
// sessions feed it through the proxy.EventSink interface.
package mapper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Room is one mapped room.
type Room struct {
	ID        string `gorm:"primaryKey"`
	Area      string
	ShortDesc string
	LongDesc  string
	Exits     string // comma-separated exit names
	Indoor    bool
	CreatedAt time.Time
}

// RoomLink is a directed edge: taking Exit from the source room leads to
// the destination room.
type RoomLink struct {
	SourceID      string `gorm:"primaryKey"`
	DestinationID string `gorm:"primaryKey"`
	Exit          string `gorm:"primaryKey"`
	CreatedAt     time.Time
}

// Monster is a monster sighted in a room, with experience statistics
// accumulated over kills.
type Monster struct {
	Name       string `gorm:"primaryKey"`
	Area       string `gorm:"primaryKey"`
	RoomID     string
	Aggro      bool
	ExpMin     *int64
	ExpMax     *int64
	ExpAverage *int64
	Kills      int64
	CreatedAt  time.Time
}

// Store wraps the database handle. Safe for concurrent use by multiple
// sessions; gorm pools connections underneath.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by url and migrates the schema.
// postgres:// and postgresql:// URLs use the Postgres driver; anything
// else is treated as an SQLite path.
func Open(url string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialector = postgres.Open(url)
	default:
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Room{}, &RoomLink{}, &Monster{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveRoom inserts a room, ignoring it when already mapped.
func (s *Store) SaveRoom(ctx context.Context, room *Room) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(room).Error
}

// SaveLink inserts a room link, ignoring duplicates.
func (s *Store) SaveLink(ctx context.Context, link *RoomLink) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(link).Error
}

// SaveMonster records a monster sighting, ignoring it when already known
// in that area.
func (s *Store) SaveMonster(ctx context.Context, m *Monster) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m).Error
}

// RecordKill folds one kill's experience value into the monster's min,
// max, and running average. Unknown monsters are ignored.
func (s *Store) RecordKill(ctx context.Context, name, area string, exp int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m Monster
		res := tx.Where("name = ? AND area = ?", name, area).First(&m)
		if res.Error != nil {
			if res.Error == gorm.ErrRecordNotFound {
				return nil
			}
			return res.Error
		}

		if m.ExpMin == nil || *m.ExpMin > exp {
			m.ExpMin = &exp
		}
		if m.ExpMax == nil || *m.ExpMax < exp {
			m.ExpMax = &exp
		}
		var avg int64
		if m.ExpAverage == nil {
			avg = exp
		} else {
			avg = (*m.ExpAverage*m.Kills + exp) / (m.Kills + 1)
		}
		m.ExpAverage = &avg
		m.Kills++

		return tx.Save(&m).Error
	})
}

// Room returns a mapped room by ID.
func (s *Store) Room(ctx context.Context, id string) (*Room, error) {
	var room Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &room, nil
}
