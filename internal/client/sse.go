package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/threadchat/server/internal/agent/model"
)

const maxFrameBytes = 1024 * 1024

// eventReader decodes `data:` frames of a server-sent event stream.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(source io.Reader) *eventReader {
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &eventReader{scanner: scanner}
}

func (r *eventReader) Next() (model.TurnEvent, error) {
	var data []string
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var ev model.TurnEvent
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev); err != nil {
				return model.TurnEvent{}, fmt.Errorf("decode stream event: %w", err)
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return model.TurnEvent{}, err
	}
	if len(data) > 0 {
		var ev model.TurnEvent
		if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev); err != nil {
			return model.TurnEvent{}, fmt.Errorf("decode stream event: %w", err)
		}
		return ev, nil
	}
	return model.TurnEvent{}, io.EOF
}
