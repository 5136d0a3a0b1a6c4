package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/boristopalov/parley/pkg/core"
)

// episodeRecord is the table row for one episode. Nested fields are kept
// as JSON text.
type episodeRecord struct {
	ID            string `gorm:"primaryKey"`
	Environment   string
	Tag           string `gorm:"index"`
	Agents        string
	Models        string
	Messages      string
	Rewards       string
	RewardsPrompt string
	ScoredTurns   int
	CreatedAt     time.Time `gorm:"index"`
}

func (episodeRecord) TableName() string { return "episodes" }

// SQLStore persists episodes with gorm on SQLite
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenSQLStore opens dsn and migrates the schema. An empty dsn opens an
// in-memory database.
func OpenSQLStore(dsn string, log *zap.Logger) (*SQLStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	if dsn == ":memory:" {
		// every connection would get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLStore(db, log)
}

// NewSQLStore wraps an open database and migrates the schema
func NewSQLStore(db *gorm.DB, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&episodeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate episodes: %w", err)
	}
	return &SQLStore{db: db, logger: log.With(zap.String("component", "sql_store"))}, nil
}

func (s *SQLStore) Save(ctx context.Context, ep *core.EpisodeLog) error {
	if err := validate(ep); err != nil {
		return err
	}
	rec, err := toRecord(ep)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *SQLStore) Get(ctx context.Context, id string) (*core.EpisodeLog, error) {
	var rec episodeRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

func (s *SQLStore) List(ctx context.Context, tag string) ([]*core.EpisodeLog, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if tag != "" {
		q = q.Where("tag = ?", tag)
	}
	var recs []episodeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*core.EpisodeLog, 0, len(recs))
	for i := range recs {
		ep, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(ep *core.EpisodeLog) (*episodeRecord, error) {
	rec := &episodeRecord{
		ID:            ep.ID,
		Environment:   ep.Environment,
		Tag:           ep.Tag,
		RewardsPrompt: ep.RewardsPrompt,
		ScoredTurns:   ep.ScoredTurns,
		CreatedAt:     ep.CreatedAt,
	}
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&rec.Agents, ep.Agents},
		{&rec.Models, ep.Models},
		{&rec.Messages, ep.Messages},
		{&rec.Rewards, ep.Rewards},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return nil, err
		}
		*f.dst = string(b)
	}
	return rec, nil
}

func fromRecord(rec *episodeRecord) (*core.EpisodeLog, error) {
	ep := &core.EpisodeLog{
		ID:            rec.ID,
		Environment:   rec.Environment,
		Tag:           rec.Tag,
		RewardsPrompt: rec.RewardsPrompt,
		ScoredTurns:   rec.ScoredTurns,
		CreatedAt:     rec.CreatedAt,
	}
	for _, f := range []struct {
		src string
		dst any
	}{
		{rec.Agents, &ep.Agents},
		{rec.Models, &ep.Models},
		{rec.Messages, &ep.Messages},
		{rec.Rewards, &ep.Rewards},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("episode %s: %w", rec.ID, err)
		}
	}
	return ep, nil
}
