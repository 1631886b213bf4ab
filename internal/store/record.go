package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-sync/internal/domain"
)

// SchemaVersion is written into every record.
// 1 - position, turn, moveLog, configuration, active, outcome
// 2 - drops stored turn, adds initialPosition, phase and lastActivityAt
const SchemaVersion = 2

var (
	ErrUnsupportedSchema = errors.New("unsupported snapshot schema")
	ErrInvalidRecord     = errors.New("invalid snapshot record")
)

// Record is the persisted form of one game.
type Record struct {
	SchemaVersion   int                  `json:"schemaVersion"`
	GameID          string               `json:"gameId"`
	InitialPosition string               `json:"initialPosition"`
	Position        string               `json:"position"`
	MoveLog         []domain.MoveRecord  `json:"moveLog"`
	Configuration   domain.Configuration `json:"configuration"`
	Phase           domain.Phase         `json:"phase"`
	Active          bool                 `json:"active"`
	Outcome         *domain.Outcome      `json:"outcome,omitempty"`
	StartedAt       time.Time            `json:"startedAt"`
	LastActivityAt  time.Time            `json:"lastActivityAt"`
	SavedAt         time.Time            `json:"savedAt"`
}

// FromState copies s into a record stamped with savedAt.
func FromState(s *domain.GameState, savedAt time.Time) *Record {
	c := s.Clone()
	return &Record{
		SchemaVersion:   SchemaVersion,
		GameID:          c.GameID,
		InitialPosition: c.InitialPosition,
		Position:        c.Position,
		MoveLog:         c.MoveLog,
		Configuration:   c.Config,
		Phase:           c.Phase,
		Active:          c.Active,
		Outcome:         c.Outcome,
		StartedAt:       c.StartedAt,
		LastActivityAt:  c.LastActivityAt,
		SavedAt:         savedAt,
	}
}

// State rebuilds a GameState from the record without replaying moves.
func (r *Record) State() *domain.GameState {
	s := &domain.GameState{
		GameID:          r.GameID,
		InitialPosition: r.InitialPosition,
		Position:        r.Position,
		MoveLog:         append([]domain.MoveRecord(nil), r.MoveLog...),
		Config:          r.Configuration,
		Phase:           r.Phase,
		Active:          r.Active,
		StartedAt:       r.StartedAt,
		LastActivityAt:  r.LastActivityAt,
	}
	if s.MoveLog == nil {
		s.MoveLog = []domain.MoveRecord{}
	}
	if r.Outcome != nil {
		o := *r.Outcome
		s.Outcome = &o
	}
	return s
}

// Encode serializes r with the current schema version.
func Encode(r *Record) ([]byte, error) {
	if r == nil || strings.TrimSpace(r.GameID) == "" {
		return nil, ErrInvalidRecord
	}
	out := *r
	out.SchemaVersion = SchemaVersion
	return json.Marshal(&out)
}

// Decode parses a stored record, migrating older schema versions.
// Unknown or missing versions fail with ErrUnsupportedSchema.
func Decode(raw []byte) (*Record, error) {
	var envelope struct {
		SchemaVersion *int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if envelope.SchemaVersion == nil {
		return nil, fmt.Errorf("%w: missing version", ErrUnsupportedSchema)
	}

	var rec *Record
	switch *envelope.SchemaVersion {
	case 1:
		r, err := migrateV1(raw)
		if err != nil {
			return nil, err
		}
		rec = r
	case SchemaVersion:
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		rec = &r
	default:
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedSchema, *envelope.SchemaVersion)
	}
	if strings.TrimSpace(rec.GameID) == "" || strings.TrimSpace(rec.Position) == "" {
		return nil, fmt.Errorf("%w: missing game id or position", ErrInvalidRecord)
	}
	if rec.MoveLog == nil {
		rec.MoveLog = []domain.MoveRecord{}
	}
	return rec, nil
}

type recordV1 struct {
	GameID        string               `json:"gameId"`
	Position      string               `json:"position"`
	Turn          string               `json:"turn"`
	MoveLog       []domain.MoveRecord  `json:"moveLog"`
	Configuration domain.Configuration `json:"configuration"`
	Active        bool                 `json:"active"`
	Outcome       *domain.Outcome      `json:"outcome,omitempty"`
	StartedAt     time.Time            `json:"startedAt"`
	SavedAt       time.Time            `json:"savedAt"`
}

func migrateV1(raw []byte) (*Record, error) {
	var old recordV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	phase := domain.PhaseFresh
	switch {
	case old.Outcome != nil || !old.Active:
		phase = domain.PhaseEnded
	case len(old.MoveLog) > 0:
		phase = domain.PhaseActive
	}
	return &Record{
		SchemaVersion:   SchemaVersion,
		GameID:          old.GameID,
		InitialPosition: domain.StartFEN,
		Position:        old.Position,
		MoveLog:         old.MoveLog,
		Configuration:   old.Configuration,
		Phase:           phase,
		Active:          old.Active,
		Outcome:         old.Outcome,
		StartedAt:       old.StartedAt,
		LastActivityAt:  old.SavedAt,
		SavedAt:         old.SavedAt,
	}, nil
}
