package opencode

import (
	"runtime"
	"strings"

	"github.com/agentap/agentap/pkg/acp"
	oc "github.com/agentap/agentap/pkg/opencode"
)

// projector folds OpenCode messages and parts into canonical events. The
// history load, the file watcher, the SSE stream, and the child process
// stdout all feed the same instance, so every part and tool-state
// transition produces its event exactly once no matter how many sources
// observe it, and replaying an input is a no-op.
//
// Not safe for concurrent use; the driver serializes all calls.
type projector struct {
	factory *acp.Factory
	agent   string

	// session returns the current canonical session id; project returns the
	// current project path and display name; adopt installs a project
	// directory learned from a message record; emit delivers a finished
	// event. All four are driver closures invoked with the driver's
	// projection lock held.
	session func() string
	project func() (path, name string)
	adopt   func(root string)
	emit    func(*acp.Event)

	roles            map[string]acp.Role
	messageStarted   map[string]bool
	messageCompleted map[string]bool
	messageErrored   map[string]bool
	models           map[string]string

	textSeen   map[string]bool
	thinking   map[string]*thinkingState
	toolStates map[string]map[string]bool
	stepsSeen  map[string]bool

	envSent   bool
	cumTokens acp.Tokens
	cumCost   float64
}

type thinkingState struct {
	deltaEmitted bool
	completed    bool
}

func newProjector(factory *acp.Factory, agent string) *projector {
	return &projector{
		factory:          factory,
		agent:            agent,
		roles:            make(map[string]acp.Role),
		messageStarted:   make(map[string]bool),
		messageCompleted: make(map[string]bool),
		messageErrored:   make(map[string]bool),
		models:           make(map[string]string),
		textSeen:         make(map[string]bool),
		thinking:         make(map[string]*thinkingState),
		toolStates:       make(map[string]map[string]bool),
		stepsSeen:        make(map[string]bool),
	}
}

func (p *projector) send(typ acp.EventType, payload any) {
	p.emit(p.factory.NewEvent(p.session(), typ, payload))
}

func (p *projector) roleOf(messageID string) (acp.Role, bool) {
	role, ok := p.roles[messageID]
	return role, ok
}

// projectMessage projects a full message with its parts. The history load
// calls this for every message on disk; replaying a pair already projected
// emits nothing new.
func (p *projector) projectMessage(msg *oc.MessageRecord, parts []*oc.Part) {
	switch msg.Role {
	case oc.RoleUser:
		p.projectUserMessage(msg, parts)
	case oc.RoleAssistant:
		p.projectAssistantMessage(msg, parts)
	default:
		// Unknown roles are recorded so part ownership still resolves.
		p.roles[msg.ID] = acp.Role(msg.Role)
	}
}

// projectUserMessage emits the start/complete pair for a user message. User
// messages never stream deltas; the pair fires once the concatenated text
// is non-empty.
func (p *projector) projectUserMessage(msg *oc.MessageRecord, parts []*oc.Part) {
	p.roles[msg.ID] = acp.RoleUser
	if p.messageCompleted[msg.ID] {
		return
	}

	var text strings.Builder
	for _, part := range parts {
		if part.Type != oc.PartTypeText {
			continue
		}
		p.textSeen[part.ID] = true
		if strings.TrimSpace(part.Text) == "" {
			continue
		}
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return
	}

	p.send(acp.EventMessageStart, acp.MessageStartPayload{
		MessageID: msg.ID,
		Role:      acp.RoleUser,
	})
	p.send(acp.EventMessageComplete, acp.MessageCompletePayload{
		MessageID: msg.ID,
		Role:      acp.RoleUser,
		Content:   []acp.ContentBlock{{Type: "text", Text: text.String()}},
	})
	p.messageStarted[msg.ID] = true
	p.messageCompleted[msg.ID] = true
}

func (p *projector) projectAssistantMessage(msg *oc.MessageRecord, parts []*oc.Part) {
	p.ensureAssistantStarted(msg.ID, msg)
	for _, part := range parts {
		p.projectPart(part)
	}
	if msg.Finish != "" {
		p.completeAssistant(msg, parts)
	}
	p.emitMessageError(msg)
}

// observeMessageUpdate handles a message record surfacing through a live
// source. loadParts fetches the message's current parts on demand; it is
// only called when the update actually needs them.
func (p *projector) observeMessageUpdate(msg *oc.MessageRecord, loadParts func(messageID string) []*oc.Part) {
	switch msg.Role {
	case oc.RoleUser:
		if p.messageCompleted[msg.ID] {
			return
		}
		p.projectUserMessage(msg, loadParts(msg.ID))
	case oc.RoleAssistant:
		p.ensureAssistantStarted(msg.ID, msg)
		if msg.Finish != "" && msg.Time.Completed != 0 && !p.messageCompleted[msg.ID] {
			parts := loadParts(msg.ID)
			for _, part := range parts {
				p.projectPart(part)
			}
			p.completeAssistant(msg, parts)
		}
		p.emitMessageError(msg)
	}
}

// ensureAssistantStarted opens an assistant message: the first assistant
// message of the session also adopts the project directory from the
// message's path and announces the environment.
func (p *projector) ensureAssistantStarted(messageID string, msg *oc.MessageRecord) {
	if msg != nil {
		if model := modelString(msg.ProviderID, msg.ModelID); model != "" {
			p.models[messageID] = model
		}
	}
	if p.messageStarted[messageID] {
		return
	}
	p.roles[messageID] = acp.RoleAssistant

	if !p.envSent {
		if msg != nil && msg.Path != nil && msg.Path.Root != "" {
			p.adopt(msg.Path.Root)
		}
		path, name := p.project()
		envCtx := acp.EnvironmentContext{
			Agent:   p.agent,
			Project: acp.ProjectInfo{Path: path, Name: name},
			Runtime: acp.RuntimeInfo{OS: runtime.GOOS, Arch: runtime.GOARCH},
		}
		if msg != nil {
			envCtx.Model = acp.ModelInfo{ID: msg.ModelID, Provider: msg.ProviderID}
		}
		p.send(acp.EventEnvironmentInfo, acp.EnvironmentInfoPayload{Context: envCtx})
		p.envSent = true
	}

	p.send(acp.EventMessageStart, acp.MessageStartPayload{
		MessageID: messageID,
		Role:      acp.RoleAssistant,
	})
	p.messageStarted[messageID] = true
}

func (p *projector) completeAssistant(msg *oc.MessageRecord, parts []*oc.Part) {
	if p.messageCompleted[msg.ID] {
		return
	}
	p.messageCompleted[msg.ID] = true

	content := make([]acp.ContentBlock, 0, 1)
	if text := joinTextParts(parts); text != "" {
		content = append(content, acp.ContentBlock{Type: "text", Text: text})
	}
	p.send(acp.EventMessageComplete, acp.MessageCompletePayload{
		MessageID:  msg.ID,
		Role:       acp.RoleAssistant,
		Content:    content,
		Model:      p.models[msg.ID],
		StopReason: msg.Finish,
	})
}

func (p *projector) emitMessageError(msg *oc.MessageRecord) {
	if msg.Error == nil || p.messageErrored[msg.ID] {
		return
	}
	p.messageErrored[msg.ID] = true
	p.send(acp.EventSessionError, acp.SessionErrorPayload{
		Error: acp.ErrorInfo{
			Code:        msg.Error.GetKind(),
			Message:     msg.Error.GetMessage(),
			Recoverable: true,
		},
	})
}

// projectPart translates one assistant part, deduplicated by part id. Text
// parts emit a single delta at first sighting; tool parts emit one event
// per state the part is seen in.
func (p *projector) projectPart(part *oc.Part) {
	if role, ok := p.roles[part.MessageID]; ok && role == acp.RoleUser {
		// User text is projected whole by projectUserMessage.
		return
	}

	switch part.Type {
	case oc.PartTypeText:
		if p.textSeen[part.ID] {
			return
		}
		p.textSeen[part.ID] = true
		p.ensureAssistantStarted(part.MessageID, nil)
		p.send(acp.EventMessageDelta, acp.MessageDeltaPayload{
			MessageID: part.MessageID,
			Role:      acp.RoleAssistant,
			Delta:     part.Text,
		})

	case oc.PartTypeReasoning:
		p.ensureAssistantStarted(part.MessageID, nil)
		st := p.thinking[part.ID]
		if st == nil {
			st = &thinkingState{}
			p.thinking[part.ID] = st
			p.send(acp.EventThinkingStart, acp.ThinkingPayload{MessageID: part.MessageID})
		}
		if part.Text != "" && !st.deltaEmitted {
			st.deltaEmitted = true
			p.send(acp.EventThinkingDelta, acp.ThinkingPayload{
				MessageID: part.MessageID,
				Delta:     part.Text,
			})
		}
		if part.Time != nil && part.Time.End != 0 && !st.completed {
			st.completed = true
			p.send(acp.EventThinkingComplete, acp.ThinkingPayload{MessageID: part.MessageID})
		}

	case oc.PartTypeTool:
		p.projectToolPart(part)

	case oc.PartTypeStepFinish:
		if p.stepsSeen[part.ID] {
			return
		}
		p.stepsSeen[part.ID] = true
		p.ensureAssistantStarted(part.MessageID, nil)
		delta := tokensFrom(part.Tokens)
		p.cumTokens = addTokens(p.cumTokens, delta)
		p.send(acp.EventTokenUsage, acp.TokenUsagePayload{
			Delta:      delta,
			Cumulative: p.cumTokens,
		})
		if part.Cost > 0 {
			p.cumCost += part.Cost
			p.send(acp.EventCost, acp.CostPayload{
				Delta:      part.Cost,
				Cumulative: p.cumCost,
			})
		}

	default:
		// step-start and unknown part types: recorded as seen, no event.
		p.stepsSeen[part.ID] = true
	}
}

// projectToolPart emits at most one event per (part, state). A state
// replayed by another source is dropped; a new state fires its transition.
func (p *projector) projectToolPart(part *oc.Part) {
	state := part.State
	if state == nil || state.Status == "" {
		return
	}
	seen := p.toolStates[part.ID]
	if seen == nil {
		seen = make(map[string]bool)
		p.toolStates[part.ID] = seen
	}
	if seen[state.Status] {
		return
	}
	seen[state.Status] = true

	p.ensureAssistantStarted(part.MessageID, nil)
	callID := part.CallID
	if callID == "" {
		callID = part.ID
	}
	input := state.InputMap()

	switch state.Status {
	case oc.ToolStatusPending:
		p.send(acp.EventToolStart, acp.ToolStartPayload{
			ToolCallID:  callID,
			Name:        part.Tool,
			Category:    acp.CategorizeTool(part.Tool),
			Description: acp.DescribeToolCall(part.Tool, input),
		})
	case oc.ToolStatusRunning:
		p.send(acp.EventToolExecuting, acp.ToolExecutingPayload{
			ToolCallID:       callID,
			Name:             part.Tool,
			Input:            input,
			RiskLevel:        acp.AssessRisk(part.Tool, input),
			RequiresApproval: false,
		})
	case oc.ToolStatusCompleted:
		p.send(acp.EventToolResult, acp.ToolResultPayload{
			ToolCallID: callID,
			Name:       part.Tool,
			Output:     state.Output,
			Duration:   durationMillis(state.Time),
		})
	case oc.ToolStatusError:
		p.send(acp.EventToolError, acp.ToolErrorPayload{
			ToolCallID: callID,
			Name:       part.Tool,
			Error:      state.Error,
		})
	}
}

// joinTextParts concatenates the text of text-typed parts, skipping
// whitespace-only fragments.
func joinTextParts(parts []*oc.Part) string {
	var text strings.Builder
	for _, part := range parts {
		if part.Type != oc.PartTypeText {
			continue
		}
		if strings.TrimSpace(part.Text) == "" {
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String()
}

// modelString renders "{provider}/{model}" for display, degrading to the
// bare model id when the provider is unknown.
func modelString(providerID, modelID string) string {
	if modelID == "" {
		return providerID
	}
	if providerID == "" {
		return modelID
	}
	return providerID + "/" + modelID
}

func tokensFrom(info *oc.TokensInfo) acp.Tokens {
	if info == nil {
		return acp.Tokens{}
	}
	tokens := acp.Tokens{
		Input:     info.Input,
		Output:    info.Output,
		Reasoning: info.Reasoning,
	}
	if info.Cache != nil {
		tokens.CacheRead = info.Cache.Read
		tokens.CacheWrite = info.Cache.Write
	}
	return tokens
}

func addTokens(a, b acp.Tokens) acp.Tokens {
	return acp.Tokens{
		Input:      a.Input + b.Input,
		Output:     a.Output + b.Output,
		Reasoning:  a.Reasoning + b.Reasoning,
		CacheRead:  a.CacheRead + b.CacheRead,
		CacheWrite: a.CacheWrite + b.CacheWrite,
	}
}

// durationMillis is wall time of a tool call in milliseconds.
func durationMillis(t *oc.TimeRange) int64 {
	if t == nil || t.Start == 0 || t.End == 0 || t.End < t.Start {
		return 0
	}
	return t.End - t.Start
}
