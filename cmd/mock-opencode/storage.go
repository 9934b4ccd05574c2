package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	oc "github.com/agentap/agentap/pkg/opencode"
)

// idCounter disambiguates ids minted within the same millisecond.
var idCounter atomic.Int64

// newID mints a storage id. Readers of the tree sort files by name and
// treat that as chronological order, so ids embed a zero-padded
// millisecond stamp followed by a counter.
func newID(prefix string) string {
	return fmt.Sprintf("%s_%013d%06d", prefix, time.Now().UnixMilli(), idCounter.Add(1)%1000000)
}

// storeWriter maintains the same tree a real OpenCode install does:
//
//	<root>/session/<projectId>/<sessionId>.json
//	<root>/message/<sessionId>/<messageId>.json
//	<root>/part/<messageId>/<partId>.json
//
// Every write lands as a whole file, so watchers and pollers reading the
// tree mid-turn see the same progression a real install produces.
type storeWriter struct {
	root      string
	projectID string
}

func newStoreWriter(root, projectID string) *storeWriter {
	return &storeWriter{root: root, projectID: projectID}
}

func (w *storeWriter) sessionPath(sessionID string) string {
	return filepath.Join(w.root, "session", w.projectID, sessionID+".json")
}

func (w *storeWriter) messagePath(sessionID, messageID string) string {
	return filepath.Join(w.root, "message", sessionID, messageID+".json")
}

func (w *storeWriter) partPath(messageID, partID string) string {
	return filepath.Join(w.root, "part", messageID, partID+".json")
}

func (w *storeWriter) writeSession(rec *oc.SessionRecord) error {
	return writeJSON(w.sessionPath(rec.ID), rec)
}

func (w *storeWriter) writeMessage(rec *oc.MessageRecord) error {
	return writeJSON(w.messagePath(rec.SessionID, rec.ID), rec)
}

func (w *storeWriter) writePart(part *oc.Part) error {
	return writeJSON(w.partPath(part.MessageID, part.ID), part)
}

// readSession loads a session record from any project directory, so
// sessions written by an earlier mock run stay usable after a restart.
func (w *storeWriter) readSession(sessionID string) (*oc.SessionRecord, error) {
	sessionRoot := filepath.Join(w.root, "session")
	projects, err := os.ReadDir(sessionRoot)
	if err != nil {
		return nil, err
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sessionRoot, project.Name(), sessionID+".json"))
		if err != nil {
			continue
		}
		var rec oc.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.ID == "" {
			rec.ID = sessionID
		}
		return &rec, nil
	}
	return nil, os.ErrNotExist
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// titleFrom derives a session title from its opening prompt, capped the
// way a real server caps generated titles.
func titleFrom(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	runes := []rune(prompt)
	if len(runes) <= 100 {
		return prompt
	}
	return string(runes[:100]) + "..."
}
