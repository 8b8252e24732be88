package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WriteRecord frames text as a single `data: {"text":...}` record.
func WriteRecord(w io.Writer, text string) error {
	data, err := json.Marshal(TextDelta{Text: text})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s%s\n\n", dataPrefix, data)
	return err
}

// SetStreamHeaders prepares a response for event-stream delivery.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
