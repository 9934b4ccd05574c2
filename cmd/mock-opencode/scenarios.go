package main

import (
	"time"

	oc "github.com/agentap/agentap/pkg/opencode"
)

// Predefined scenarios with fixed timing for deterministic end-to-end
// assertions.

// playScenario dispatches a named e2e scenario.
func (t *turn) playScenario(name string) {
	switch name {
	case "simple-message":
		t.scenarioSimpleMessage()
	case "read-and-edit":
		t.scenarioReadAndEdit()
	case "permission-flow":
		t.scenarioPermissionFlow()
	case "error":
		t.scenarioError()
	case "multi-turn":
		t.scenarioMultiTurn()
	default:
		t.emitText("Unknown e2e scenario: " + name + ". Available: simple-message, read-and-edit, permission-flow, error, multi-turn")
	}
}

// scenarioSimpleMessage: reasoning and text only, fixed 100ms steps.
func (t *turn) scenarioSimpleMessage() {
	t.sleep(100 * time.Millisecond)
	t.emitReasoning("Processing the request...")
	t.sleep(100 * time.Millisecond)
	t.emitText("This is a simple mock response for e2e testing.")
}

// scenarioReadAndEdit: read, then a permission-gated edit, then text.
func (t *turn) scenarioReadAndEdit() {
	t.sleep(50 * time.Millisecond)
	t.runRead()
	t.sleep(50 * time.Millisecond)
	if !t.runEdit() {
		t.emitText("Edit was denied.")
	}
	t.sleep(50 * time.Millisecond)
	t.emitText("Read and edit scenario complete.")
}

// scenarioPermissionFlow: a single shell command behind a permission
// request.
func (t *turn) scenarioPermissionFlow() {
	t.sleep(50 * time.Millisecond)
	if t.runBash("echo 'testing permissions'", "Test permission flow", "testing permissions") {
		t.emitText("Permission was granted and command executed.")
	} else {
		t.emitText("Permission was denied.")
	}
}

// scenarioError: fixed-timing error turn.
func (t *turn) scenarioError() {
	t.sleep(100 * time.Millisecond)
	t.emitText("About to encounter an error...")
	t.sleep(100 * time.Millisecond)
	t.fail(&oc.APIError{Name: "MockError", Message: "E2E test error: simulated failure"})
}

// scenarioMultiTurn: minimal response for multi-turn tests.
func (t *turn) scenarioMultiTurn() {
	t.sleep(50 * time.Millisecond)
	t.emitText("Multi-turn response ready. Send another message to continue.")
}
