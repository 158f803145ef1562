package app

import (
	"bytes"
	"encoding/json"
	"strings"
)

var (
	ssePrefix = []byte("data:")
	sseDone   = []byte("[DONE]")
)

// chatAccumulator rebuilds the assistant reply from the raw event stream.
// Chunks may split lines anywhere, so incomplete lines are held back until
// their newline arrives.
type chatAccumulator struct {
	pending  []byte
	content  strings.Builder
	chunkIDs []string
}

type streamPayload struct {
	Content  *string   `json:"content"`
	ChunkIDs *[]string `json:"chunk_ids"`
}

func (a *chatAccumulator) Feed(chunk []byte) {
	a.pending = append(a.pending, chunk...)
	for {
		idx := bytes.IndexByte(a.pending, '\n')
		if idx < 0 {
			break
		}
		a.consumeLine(a.pending[:idx])
		a.pending = a.pending[idx+1:]
	}
	if len(a.pending) == 0 {
		a.pending = nil
	}
}

// Finish handles a trailing line the engine did not terminate.
func (a *chatAccumulator) Finish() {
	if len(a.pending) > 0 {
		a.consumeLine(a.pending)
		a.pending = nil
	}
}

func (a *chatAccumulator) Content() string {
	return a.content.String()
}

func (a *chatAccumulator) ChunkIDs() []string {
	return a.chunkIDs
}

func (a *chatAccumulator) consumeLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, ssePrefix) {
		return
	}
	data := bytes.TrimSpace(line[len(ssePrefix):])
	if len(data) == 0 || bytes.Equal(data, sseDone) {
		return
	}

	var payload streamPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if payload.Content != nil {
		a.content.WriteString(*payload.Content)
	}
	if payload.ChunkIDs != nil {
		a.chunkIDs = append([]string(nil), (*payload.ChunkIDs)...)
	}
}
