package api

import (
	"fmt"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/engine/book"
	"github.com/park285/cheese-sync/internal/msgcat"
)

// Texts renders human-readable replies from the message catalog. Every
// method falls back to a plain rendering when a template is missing.
type Texts struct {
	cat *msgcat.Catalog
}

func NewTexts(cat *msgcat.Catalog) *Texts { return &Texts{cat: cat} }

func (t *Texts) Summary(s *domain.GameState, connections int) string {
	last := ""
	if mv := s.LastMove(); mv != nil {
		last = mv.SAN
		if last == "" {
			last = mv.UCI
		}
	}
	openingName := ""
	if code, title := book.Classify(s.InitialPosition, s.UCIHistory()); code != "" {
		openingName = code + " " + title
	}
	result := ""
	if s.Outcome != nil {
		result = t.outcome(*s.Outcome)
	}
	data := map[string]any{
		"GameID":      s.GameID,
		"Mode":        string(s.Config.Mode),
		"Phase":       string(s.Phase),
		"Ply":         s.Ply(),
		"Turn":        string(s.Turn()),
		"Position":    s.Position,
		"LastMove":    last,
		"Opening":     openingName,
		"Result":      result,
		"Connections": connections,
	}
	fallback := fmt.Sprintf("Game %s: ply %d, %s to move, %s", s.GameID, s.Ply(), s.Turn(), s.Position)
	return t.cat.Text("state.summary", data, fallback)
}

func (t *Texts) Accepted(mv domain.MoveRecord) string {
	turn := string(domain.TurnOf(mv.Position))
	return t.cat.Text("move.accepted", map[string]any{"SAN": mv.SAN, "Turn": turn}, mv.SAN)
}

func (t *Texts) Rejected(move string, err error) string {
	reason := t.Reason(err)
	return t.cat.Text("move.rejected", map[string]any{"Move": move, "Reason": reason}, reason)
}

// Reason describes a rejection cause.
func (t *Texts) Reason(err error) string {
	code := domain.CodeOf(err)
	fallback := code
	if fallback == "" && err != nil {
		fallback = err.Error()
	}
	return t.cat.Text("reason."+code, nil, fallback)
}

func (t *Texts) Reset(s *domain.GameState) string {
	data := map[string]any{"Mode": string(s.Config.Mode), "Turn": string(s.Turn())}
	return t.cat.Text("reset.done", data, "new game")
}

func (t *Texts) Ended(o domain.Outcome) string {
	res := t.outcome(o)
	return t.cat.Text("end.done", map[string]any{"Result": res}, res)
}

func (t *Texts) outcome(o domain.Outcome) string {
	reason := t.cat.Text("termination."+o.Reason, nil, o.Reason)
	if o.Winner == "" {
		return t.cat.Text("result.draw", map[string]any{"Reason": reason}, "draw by "+reason)
	}
	return t.cat.Text("result.winner", map[string]any{"Winner": string(o.Winner), "Reason": reason}, string(o.Winner)+" wins by "+reason)
}
