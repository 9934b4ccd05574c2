package opencode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	oc "github.com/agentap/agentap/pkg/opencode"
)

// store reads OpenCode's on-disk storage tree:
//
//	<root>/session/<projectId>/<sessionId>.json
//	<root>/message/<sessionId>/<messageId>.json
//	<root>/part/<messageId>/<partId>.json
//
// OpenCode writes to the tree while we read it, so every accessor treats
// missing directories, unreadable files, and malformed JSON as "not there
// yet" and skips them.
type store struct {
	root string
}

func newStore(root string) *store {
	return &store{root: root}
}

func (s *store) sessionRoot() string { return filepath.Join(s.root, "session") }
func (s *store) messageRoot() string { return filepath.Join(s.root, "message") }
func (s *store) partRoot() string    { return filepath.Join(s.root, "part") }

func (s *store) messageDir(sessionID string) string {
	return filepath.Join(s.messageRoot(), sessionID)
}

func (s *store) partDir(messageID string) string {
	return filepath.Join(s.partRoot(), messageID)
}

// findSession locates a session record under any project subdirectory.
func (s *store) findSession(sessionID string) (*oc.SessionRecord, error) {
	projects, err := os.ReadDir(s.sessionRoot())
	if err != nil {
		return nil, err
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		path := filepath.Join(s.sessionRoot(), project.Name(), sessionID+".json")
		record, err := s.readSessionFile(path)
		if err != nil {
			continue
		}
		return record, nil
	}
	return nil, os.ErrNotExist
}

// listSessions returns every parseable session record in the store.
func (s *store) listSessions() []*oc.SessionRecord {
	projects, err := os.ReadDir(s.sessionRoot())
	if err != nil {
		return nil
	}
	var records []*oc.SessionRecord
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(s.sessionRoot(), project.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			record, err := s.readSessionFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			records = append(records, record)
		}
	}
	return records
}

// listMessages returns a session's message records in filename order.
// os.ReadDir sorts by name and OpenCode ids are time-ordered, so this is
// chronological order.
func (s *store) listMessages(sessionID string) []*oc.MessageRecord {
	entries, err := os.ReadDir(s.messageDir(sessionID))
	if err != nil {
		return nil
	}
	messages := make([]*oc.MessageRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		record, err := s.readMessageFile(filepath.Join(s.messageDir(sessionID), entry.Name()))
		if err != nil {
			continue
		}
		messages = append(messages, record)
	}
	return messages
}

// listParts returns a message's parts in filename order.
func (s *store) listParts(messageID string) []*oc.Part {
	entries, err := os.ReadDir(s.partDir(messageID))
	if err != nil {
		return nil
	}
	parts := make([]*oc.Part, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		part, err := s.readPartFile(filepath.Join(s.partDir(messageID), entry.Name()))
		if err != nil {
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

func (s *store) readMessage(sessionID, messageID string) (*oc.MessageRecord, error) {
	return s.readMessageFile(filepath.Join(s.messageDir(sessionID), messageID+".json"))
}

// messageOwned reports whether a message file for messageID exists under
// the session's message directory. The part tree is keyed by message id
// only, so this is how part files are traced back to their session.
func (s *store) messageOwned(sessionID, messageID string) bool {
	info, err := os.Stat(filepath.Join(s.messageDir(sessionID), messageID+".json"))
	return err == nil && !info.IsDir()
}

func (s *store) readSessionFile(path string) (*oc.SessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record oc.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	if record.ID == "" {
		record.ID = idFromPath(path)
	}
	return &record, nil
}

func (s *store) readMessageFile(path string) (*oc.MessageRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record oc.MessageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	if record.ID == "" {
		record.ID = idFromPath(path)
	}
	return &record, nil
}

func (s *store) readPartFile(path string) (*oc.Part, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var part oc.Part
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, err
	}
	if part.ID == "" {
		part.ID = idFromPath(path)
	}
	return &part, nil
}

// idFromPath recovers a record id from its filename. Storage files name
// themselves after their id, and some older records omit the id field.
func idFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
