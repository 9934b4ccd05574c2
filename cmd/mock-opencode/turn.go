package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	oc "github.com/agentap/agentap/pkg/opencode"
)

// Scenario kinds selected by prompt.
const (
	scenarioRandom   = "random"
	scenarioError    = "error"
	scenarioSlow     = "slow"
	scenarioThinking = "thinking"
	scenarioTool     = "tool"
	scenarioTodo     = "todo"
	scenarioE2E      = "e2e"
)

// scenarioFor routes a prompt to a scenario. Prompts starting with a known
// slash command pick that scenario; anything else gets the random mix.
func scenarioFor(prompt string) (kind, arg string) {
	switch {
	case strings.EqualFold(prompt, "/error"):
		return scenarioError, ""
	case strings.EqualFold(prompt, "/slow") || strings.HasPrefix(strings.ToLower(prompt), "/slow "):
		if fields := strings.Fields(prompt); len(fields) >= 2 {
			return scenarioSlow, fields[1]
		}
		return scenarioSlow, ""
	case strings.EqualFold(prompt, "/thinking"):
		return scenarioThinking, ""
	case strings.HasPrefix(prompt, "/tool:"):
		return scenarioTool, strings.TrimSpace(strings.TrimPrefix(prompt, "/tool:"))
	case strings.EqualFold(prompt, "/todo"):
		return scenarioTodo, ""
	case strings.HasPrefix(prompt, "/e2e:"):
		return scenarioE2E, strings.TrimSpace(strings.TrimPrefix(prompt, "/e2e:"))
	default:
		return scenarioRandom, ""
	}
}

// delayRange returns min/max pacing in milliseconds for a model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 10, 50
	case "mock-slow":
		return 500, 3000
	default:
		return 100, 500
	}
}

// turn emits one assistant reply. Every mutation is a storage write paired
// with an SSE broadcast.
type turn struct {
	s       *mockServer
	ctx     context.Context
	session *oc.SessionRecord

	assistant *oc.MessageRecord

	// err is set by error scenarios and stamped onto the final record.
	err *oc.APIError
}

// runTurn persists the user message, plays a scenario-driven assistant
// reply, and finalizes the assistant record. Returns the final record for
// the HTTP response body.
func (s *mockServer) runTurn(ctx context.Context, session *oc.SessionRecord, prompt string) *oc.MessageRecord {
	t := &turn{s: s, ctx: ctx, session: session}

	t.recordUserMessage(prompt)
	t.touchSession(prompt)
	t.openAssistantMessage()

	kind, arg := scenarioFor(prompt)
	switch kind {
	case scenarioError:
		t.playError()
	case scenarioSlow:
		t.playSlow(arg)
	case scenarioThinking:
		t.playThinking()
	case scenarioTool:
		t.playTool(arg)
	case scenarioTodo:
		t.playTodo()
	case scenarioE2E:
		t.playScenario(arg)
	default:
		t.playRandom(prompt)
	}

	return t.closeAssistantMessage()
}

func (t *turn) aborted() bool { return t.ctx.Err() != nil }

// sleep pauses for d, returning early when the turn is aborted.
func (t *turn) sleep(d time.Duration) {
	select {
	case <-t.ctx.Done():
	case <-time.After(d):
	}
}

// pause sleeps a random duration within the model's pacing range.
func (t *turn) pause() {
	lo, hi := delayRange(t.s.model)
	t.sleep(time.Duration(lo+rand.Intn(hi-lo+1)) * time.Millisecond)
}

// writeMessage persists a message record and mirrors it onto the stream.
func (t *turn) writeMessage(rec *oc.MessageRecord) {
	if err := t.s.writer.writeMessage(rec); err != nil {
		t.s.log.Warn("write message", zap.String("message_id", rec.ID), zap.Error(err))
	}
	t.s.broadcast(oc.EventMessageUpdated, oc.MessageUpdatedProperties{Info: *rec})
}

// writePart persists a part and mirrors it onto the stream.
func (t *turn) writePart(part *oc.Part) {
	if err := t.s.writer.writePart(part); err != nil {
		t.s.log.Warn("write part", zap.String("part_id", part.ID), zap.Error(err))
	}
	t.s.broadcast(oc.EventMessagePartUpdated, oc.MessagePartUpdatedProperties{Part: *part})
}

// recordUserMessage persists the prompt as a completed user message. Files
// land before the broadcasts: message.updated consumers read parts back
// off disk.
func (t *turn) recordUserMessage(prompt string) {
	now := time.Now().UnixMilli()
	msg := &oc.MessageRecord{
		ID:        newID("msg"),
		SessionID: t.session.ID,
		Role:      oc.RoleUser,
		Time:      oc.MessageTime{Created: now, Completed: now},
	}
	part := &oc.Part{
		ID:        newID("prt"),
		MessageID: msg.ID,
		SessionID: t.session.ID,
		Type:      oc.PartTypeText,
		Text:      prompt,
	}
	if err := t.s.writer.writeMessage(msg); err != nil {
		t.s.log.Warn("write user message", zap.Error(err))
	}
	if err := t.s.writer.writePart(part); err != nil {
		t.s.log.Warn("write user part", zap.Error(err))
	}
	t.s.broadcast(oc.EventMessageUpdated, oc.MessageUpdatedProperties{Info: *msg})
	t.s.broadcast(oc.EventMessagePartUpdated, oc.MessagePartUpdatedProperties{Part: *part})
}

// touchSession bumps the session's activity stamp and titles it from the
// first prompt, the way a real server does after the opening message.
func (t *turn) touchSession(prompt string) {
	t.session.Time.Updated = time.Now().UnixMilli()
	if t.session.Title == "" {
		t.session.Title = titleFrom(prompt)
	}
	if err := t.s.writer.writeSession(t.session); err != nil {
		t.s.log.Warn("write session", zap.String("session_id", t.session.ID), zap.Error(err))
	}
}

// openAssistantMessage starts the reply: an assistant record with no
// finish yet.
func (t *turn) openAssistantMessage() {
	t.assistant = &oc.MessageRecord{
		ID:         newID("msg"),
		SessionID:  t.session.ID,
		Role:       oc.RoleAssistant,
		ProviderID: "mock",
		ModelID:    t.s.model,
		Path:       &oc.MessagePath{Root: t.session.Directory, Cwd: t.session.Directory},
		Time:       oc.MessageTime{Created: time.Now().UnixMilli()},
	}
	t.writeMessage(t.assistant)
}

// closeAssistantMessage finalizes the assistant record. Aborted turns and
// error scenarios carry an error object; clean turns get a token report
// first.
func (t *turn) closeAssistantMessage() *oc.MessageRecord {
	rec := t.assistant
	switch {
	case t.aborted():
		rec.Finish = "aborted"
		rec.Error = &oc.APIError{Name: "MessageAbortedError", Message: "turn aborted"}
	case t.err != nil:
		rec.Finish = "error"
		rec.Error = t.err
	default:
		t.emitStepFinish()
		rec.Finish = "stop"
	}
	rec.Time.Completed = time.Now().UnixMilli()
	rec.Tokens = defaultTokens()
	rec.Cost = defaultCost
	t.writeMessage(rec)

	t.s.broadcast(oc.EventSessionIdle, sessionProps{SessionID: t.session.ID})
	return rec
}

// fail records the turn error and announces it on the stream.
func (t *turn) fail(err *oc.APIError) {
	t.err = err
	t.s.broadcast(oc.EventSessionError, sessionProps{SessionID: t.session.ID, Error: err})
}

// --- Scenario players ---

// playRandom emits the default mix: reasoning first, a few random
// permissionless steps, then a closing summary.
func (t *turn) playRandom(prompt string) {
	t.emitReasoning("Analyzing the request and considering the best approach...")
	t.pause()

	generators := []func(){
		func() { t.emitText("I'll help you with that. Let me look into it.") },
		func() { t.runRead() },
		func() { t.runGrep() },
		func() { t.runWebFetch() },
	}
	count := 1 + rand.Intn(4)
	for i := 0; i < count && !t.aborted(); i++ {
		generators[rand.Intn(len(generators))]()
		t.pause()
	}

	t.emitText("I've completed the analysis of your request: \"" + prompt + "\". Everything looks good!")
}

// playThinking emits extended reasoning before a summary.
func (t *turn) playThinking() {
	thoughts := []string{
		"Let me analyze this problem step by step...",
		"First, I need to consider the architecture and how the components interact.",
		"The key insight is that we need to handle both synchronous and asynchronous flows.",
		"I should also consider edge cases: what happens when the input is empty? What about concurrent access?",
		"After careful analysis, I believe the best approach is to use a channel-based pattern with proper synchronization.",
	}
	for _, thought := range thoughts {
		if t.aborted() {
			return
		}
		t.emitReasoning(thought)
		t.pause()
	}
	t.emitText("After careful reasoning, here is my analysis:\n\n1. The architecture is sound\n2. Error handling covers edge cases\n3. The implementation follows Go best practices")
}

// playSlow spreads a response across a configurable total duration.
// Accepts "/slow" (defaults to 5s) or "/slow <duration>" (e.g. "/slow 60s").
func (t *turn) playSlow(arg string) {
	total := 5 * time.Second
	if d, err := time.ParseDuration(arg); err == nil && d > 0 {
		total = d
	}
	step := total / 5

	t.emitReasoning("Working through a long-running request...")
	t.sleep(step)
	t.emitText(fmt.Sprintf("Running slow response (%s total)...", total))
	t.sleep(step)
	t.runRead()
	t.sleep(step)
	t.runGrep()
	t.sleep(step)
	t.emitText(fmt.Sprintf("Slow response complete after %s.", total))
	t.sleep(step)
}

// playTool plays a single named tool.
func (t *turn) playTool(name string) {
	switch strings.ToLower(name) {
	case "read":
		t.runRead()
	case "edit":
		t.runEdit()
	case "exec", "bash":
		t.runBash("go test ./...", "Run all tests", "ok  \tgithub.com/example/project\t0.042s\nPASS")
	case "search", "grep":
		t.runGrep()
	case "webfetch", "web":
		t.runWebFetch()
	case "todo":
		t.runTodo()
	default:
		t.emitText("Unknown tool: " + name + ". Available: read, edit, exec, search, webfetch, todo")
	}
}

// playTodo runs the todo management sequence.
func (t *turn) playTodo() {
	t.emitReasoning("Breaking the work into trackable steps...")
	t.pause()
	t.emitText("I'll create a task list for this work.")
	t.pause()
	t.runTodo()
	t.pause()
	t.emitText("Task list has been updated.")
}

// playError simulates a provider failure mid-turn.
func (t *turn) playError() {
	t.pause()
	t.emitText("Simulating an error condition...")
	t.pause()
	t.fail(&oc.APIError{Name: "MockError", Message: "something went wrong during processing"})
}
