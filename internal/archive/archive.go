// Package archive records finished games in postgres as PGN.
package archive

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-sync/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Repository struct {
	db   *sql.DB
	exec execer
	site string
}

// Open connects to databaseURL and creates the archive table if needed.
func Open(ctx context.Context, databaseURL, site string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &Repository{db: db, exec: db, site: site}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const upsertGame = `INSERT INTO sync_games (
    game_id, started_at, ended_at, mode, human_color,
    initial_position, final_position, result, termination,
    moves_uci, moves_san, ply_count, pgn, duration_ms
  ) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
  ) ON CONFLICT (game_id, started_at) DO UPDATE SET
    ended_at=EXCLUDED.ended_at,
    final_position=EXCLUDED.final_position,
    result=EXCLUDED.result,
    termination=EXCLUDED.termination,
    moves_uci=EXCLUDED.moves_uci,
    moves_san=EXCLUDED.moves_san,
    ply_count=EXCLUDED.ply_count,
    pgn=EXCLUDED.pgn,
    duration_ms=EXCLUDED.duration_ms`

// Archive upserts a finished game. Games without an outcome are ignored.
func (r *Repository) Archive(ctx context.Context, s *domain.GameState) error {
	if r == nil || r.exec == nil || s == nil || s.Outcome == nil {
		return nil
	}
	result := pgnResult(s.Outcome)
	pgn := BuildPGN(s, r.site)

	movesUCI, _ := json.Marshal(s.UCIHistory())
	movesSAN, _ := json.Marshal(s.SANHistory())
	duration := s.LastActivityAt.Sub(s.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	_, err := r.exec.ExecContext(ctx, upsertGame,
		s.GameID, s.StartedAt, s.LastActivityAt,
		string(s.Config.Mode), string(s.Config.HumanColor),
		s.InitialPosition, s.Position, result, s.Outcome.Reason,
		string(movesUCI), string(movesSAN), s.Ply(), pgn, duration,
	)
	if err != nil {
		return domain.Persistence(fmt.Errorf("archive %s: %w", s.GameID, err))
	}
	return nil
}

func pgnResult(o *domain.Outcome) string {
	if o == nil {
		return "*"
	}
	switch o.Winner {
	case domain.White:
		return "1-0"
	case domain.Black:
		return "0-1"
	default:
		return "1/2-1/2"
	}
}

// BuildPGN renders s as a PGN game with numbered SAN moves.
func BuildPGN(s *domain.GameState, site string) string {
	if s == nil {
		return ""
	}
	result := "*"
	if s.Outcome != nil {
		result = pgnResult(s.Outcome)
	}
	date := s.StartedAt
	if date.IsZero() {
		date = time.Now()
	}
	if strings.TrimSpace(site) == "" {
		site = "?"
	}
	white, black := "?", "?"
	if ec := s.Config.EngineColor(); ec == domain.White {
		white = "Stockfish"
	} else if ec == domain.Black {
		black = "Stockfish"
	}

	var b strings.Builder
	b.WriteString("[Event \"Casual game\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(site)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[Round \"%s\"]\n", sanitizePGN(s.GameID)))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", white))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", black))
	if s.InitialPosition != "" && s.InitialPosition != domain.StartFEN {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", sanitizePGN(s.InitialPosition)))
	}
	if s.Outcome != nil && s.Outcome.Reason != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(s.Outcome.Reason)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	// a custom start may have black to move first
	san := s.SANHistory()
	moveNo := 1
	i := 0
	if domain.TurnOf(s.InitialPosition) == domain.Black && len(san) > 0 {
		b.WriteString(fmt.Sprintf("%d... %s ", moveNo, strings.TrimSpace(san[0])))
		moveNo++
		i = 1
	}
	for ; i < len(san); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", moveNo, strings.TrimSpace(san[i])))
		if i+1 < len(san) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(san[i+1]))
		}
		b.WriteString(" ")
		moveNo++
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
