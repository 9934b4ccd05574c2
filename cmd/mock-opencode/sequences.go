package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	oc "github.com/agentap/agentap/pkg/opencode"
)

const defaultCost = 0.0042

func defaultTokens() *oc.TokensInfo {
	return &oc.TokensInfo{Input: 1200, Output: 350}
}

// --- Atomic emitters ---

// emitText appends a completed text part to the assistant message.
func (t *turn) emitText(text string) {
	t.writePart(&oc.Part{
		ID:        newID("prt"),
		MessageID: t.assistant.ID,
		SessionID: t.session.ID,
		Type:      oc.PartTypeText,
		Text:      text,
	})
}

// emitReasoning streams one reasoning part: an open write carrying the
// text, then a closing write with the end stamp.
func (t *turn) emitReasoning(thought string) {
	part := &oc.Part{
		ID:        newID("prt"),
		MessageID: t.assistant.ID,
		SessionID: t.session.ID,
		Type:      oc.PartTypeReasoning,
		Text:      thought,
		Time:      &oc.TimeRange{Start: time.Now().UnixMilli()},
	}
	t.writePart(part)
	t.pause()
	part.Time.End = time.Now().UnixMilli()
	t.writePart(part)
}

// emitStepFinish reports the turn's token usage and cost.
func (t *turn) emitStepFinish() {
	t.writePart(&oc.Part{
		ID:        newID("prt"),
		MessageID: t.assistant.ID,
		SessionID: t.session.ID,
		Type:      oc.PartTypeStepFinish,
		Tokens:    defaultTokens(),
		Cost:      defaultCost,
	})
}

// toolCall describes one mock tool invocation.
type toolCall struct {
	tool   string
	input  map[string]any
	title  string
	output string
	// patterns non-empty gates the call behind a permission request.
	patterns []string
}

// runTool walks a tool part through pending, running, and completed,
// pausing between states. Gated tools ask for permission after the
// pending write and error out when denied. Reports whether the call
// completed.
func (t *turn) runTool(call toolCall) bool {
	input, _ := json.Marshal(call.input)
	part := &oc.Part{
		ID:        newID("prt"),
		MessageID: t.assistant.ID,
		SessionID: t.session.ID,
		Type:      oc.PartTypeTool,
		CallID:    newID("call"),
		Tool:      call.tool,
		State: &oc.ToolState{
			Status: oc.ToolStatusPending,
			Input:  input,
			Title:  call.title,
		},
	}
	t.writePart(part)

	if len(call.patterns) > 0 {
		reply := t.s.askPermission(t.ctx, t.session.ID, part.CallID, call.tool, call.patterns, call.input)
		if reply != oc.PermissionReplyOnce && reply != oc.PermissionReplyAlways {
			part.State.Status = oc.ToolStatusError
			part.State.Error = "permission denied: " + call.tool
			t.writePart(part)
			return false
		}
	}

	t.pause()
	part.State.Status = oc.ToolStatusRunning
	part.State.Time = &oc.TimeRange{Start: time.Now().UnixMilli()}
	t.writePart(part)

	t.pause()
	if t.aborted() {
		part.State.Status = oc.ToolStatusError
		part.State.Error = "aborted"
		t.writePart(part)
		return false
	}
	part.State.Status = oc.ToolStatusCompleted
	part.State.Output = call.output
	part.State.Time.End = time.Now().UnixMilli()
	t.writePart(part)
	return true
}

// runRead reads a real workspace file so clients render plausible content.
func (t *turn) runRead() bool {
	f := t.s.workspace.randomFile()
	return t.runTool(toolCall{
		tool:   "read",
		input:  map[string]any{"filePath": f.absPath},
		title:  f.relPath,
		output: t.s.workspace.snippet(f.absPath, 30),
	})
}

// runGrep searches for a rotating pattern and fabricates matches from real
// workspace paths.
func (t *turn) runGrep() bool {
	patterns := []string{"func ", "import ", "TODO", "return ", "error", "type "}
	pattern := patterns[rand.Intn(len(patterns))]

	paths := t.s.workspace.filePaths(3)
	results := make([]string, 0, len(paths))
	for i, p := range paths {
		results = append(results, fmt.Sprintf("%s:%d:%s found here", p, (i+1)*10, strings.TrimSpace(pattern)))
	}
	return t.runTool(toolCall{
		tool:   "grep",
		input:  map[string]any{"pattern": pattern},
		title:  pattern,
		output: strings.Join(results, "\n"),
	})
}

// runWebFetch fetches a fixed documentation URL.
func (t *turn) runWebFetch() bool {
	return t.runTool(toolCall{
		tool:   "webfetch",
		input:  map[string]any{"url": "https://example.com/api/docs", "format": "markdown"},
		title:  "https://example.com/api/docs",
		output: "API Documentation:\n- GET /api/v1/users - List all users\n- POST /api/v1/users - Create a new user\n- GET /api/v1/users/:id - Get user by ID\n- PUT /api/v1/users/:id - Update user\n- DELETE /api/v1/users/:id - Delete user",
	})
}

// runEdit edits a real file fragment, gated by the edit permission. The
// file itself is never touched.
func (t *turn) runEdit() bool {
	f := t.s.workspace.randomFile()
	oldStr, newStr := t.s.workspace.editFragment(f.absPath)
	return t.runTool(toolCall{
		tool:     "edit",
		input:    map[string]any{"filePath": f.absPath, "oldString": oldStr, "newString": newStr},
		title:    f.relPath,
		output:   "File edited: " + f.absPath,
		patterns: []string{f.relPath},
	})
}

// runBash executes nothing but walks the permission flow a shell command
// would.
func (t *turn) runBash(command, description, output string) bool {
	return t.runTool(toolCall{
		tool:     "bash",
		input:    map[string]any{"command": command, "description": description},
		title:    command,
		output:   output,
		patterns: []string{command},
	})
}

// runTodo updates the session's todo list.
func (t *turn) runTodo() bool {
	return t.runTool(toolCall{
		tool: "todowrite",
		input: map[string]any{
			"todos": []map[string]any{
				{"id": "1", "content": "Review code changes", "status": "in_progress"},
				{"id": "2", "content": "Run tests", "status": "pending"},
				{"id": "3", "content": "Update documentation", "status": "pending"},
			},
		},
		title:  "3 todos",
		output: "Todo list updated: 3 items (1 in progress, 2 pending)",
	})
}
