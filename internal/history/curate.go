package history

import (
	"errors"

	"supportchat/internal/models"
)

// ErrInvalidHistory is returned when the log does not end with a user turn.
var ErrInvalidHistory = errors.New("history must end with a user message")

// Curate splits a session log into provider-ready prior turns and the new
// user utterance. Prior turns never start with a model message; a log whose
// earlier turns are all model messages yields an empty prior list.
func Curate(full []models.Message) ([]models.Message, models.Message, error) {
	if len(full) == 0 {
		return nil, models.Message{}, ErrInvalidHistory
	}
	latest := full[len(full)-1]
	if latest.Role != models.RoleUser {
		return nil, models.Message{}, ErrInvalidHistory
	}
	return TrimLeadingModel(full[:len(full)-1]), latest, nil
}

// TrimLeadingModel drops the leading run of model messages. The result is a
// fresh slice.
func TrimLeadingModel(msgs []models.Message) []models.Message {
	start := 0
	for start < len(msgs) && msgs[start].Role == models.RoleModel {
		start++
	}
	out := make([]models.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// Sanitize keeps only entries with a role the provider understands and some
// text. An entry decoded without a text field has an empty Text and is
// dropped, since providers reject empty turns.
func Sanitize(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Valid() || m.Text == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
