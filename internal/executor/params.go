package executor

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/miszen/internal/event"
)

// BuildParams derives the parameters a command receives from the event
// that triggered it. Every command gets a "context" block carrying the
// event kind, payload and metadata.
func BuildParams(command string, ev event.Event) map[string]any {
	params := make(map[string]any)
	data := ev.Payload

	switch command {
	case "analyze", "debug", "codereview", "refactor", "testgen", "docgen":
		params["step"] = stepDescription(command, ev)
		if path, ok := data.String(event.FieldFilePath); ok {
			params["relevant_files"] = []string{path}
		}
	case "chat":
		params["prompt"] = chatPrompt(ev)
	case "thinkdeep":
		params["step"] = fmt.Sprintf("Deep analysis required for %s event. Context: %s. Priority: %s",
			ev.Kind, compact(data), priorityOf(ev))
		params["thinking_mode"] = "high"
	case "tracer":
		params["target_description"] = traceTarget(ev)
	case "secaudit":
		params["step"] = fmt.Sprintf("Security audit triggered by %s. Alert: %s",
			ev.Kind, stringOr(data, "description", "Security concern detected"))
		params["audit_focus"] = "comprehensive"
	}

	params["context"] = map[string]any{
		"event_type":     string(ev.Kind),
		"event_data":     data.Clone(),
		"event_metadata": ev.Metadata,
	}
	return params
}

func stepDescription(command string, ev event.Event) string {
	data := ev.Payload
	file := stringOr(data, event.FieldFilePath, "unknown file")
	switch command {
	case "analyze":
		return fmt.Sprintf("Analyze %s event: %s", ev.Kind, compact(data))
	case "debug":
		return fmt.Sprintf("Debug issue from %s: %s", ev.Kind, stringOr(data, "error_message", "Unknown error"))
	case "codereview":
		return "Review code changes in " + file
	case "refactor":
		return "Refactor code in " + file
	case "testgen":
		return "Generate tests for " + file
	case "docgen":
		return "Generate documentation for " + file
	default:
		return fmt.Sprintf("Process %s event", ev.Kind)
	}
}

func chatPrompt(ev event.Event) string {
	switch ev.Kind {
	case event.KindErrorDetected:
		return "Help me understand this error: " + stringOr(ev.Payload, "error_message", "Unknown error")
	case event.KindFileCreated:
		return fmt.Sprintf("What should I consider for the new file: %s?", stringOr(ev.Payload, event.FieldFilePath, "unknown file"))
	default:
		return fmt.Sprintf("Process event %s with data: %s", ev.Kind, compact(ev.Payload))
	}
}

func traceTarget(ev event.Event) string {
	data := ev.Payload
	if msg, ok := data.String("error_message"); ok && data.Has("stack_trace") {
		return fmt.Sprintf("Trace error: %s from stack trace", msg)
	}
	if path, ok := data.String(event.FieldFilePath); ok {
		return "Trace execution flow in " + path
	}
	return fmt.Sprintf("Trace event flow for %s", ev.Kind)
}

func priorityOf(ev event.Event) event.Priority {
	if ev.Metadata.Priority == "" {
		return event.PriorityMedium
	}
	return ev.Metadata.Priority
}

func stringOr(p event.Payload, key, fallback string) string {
	if s, ok := p.String(key); ok {
		return s
	}
	return fallback
}

// compact renders a payload as single-line JSON with sorted keys.
func compact(p event.Payload) string {
	if p == nil {
		return "{}"
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(p))
	}
	return string(data)
}
