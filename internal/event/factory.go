package event

import "path/filepath"

// Factories for the event families MIS publishes. Extra fields are merged
// into the payload and win over the derived ones.

// NewFileEvent builds a file system event for path.
func NewFileEvent(kind Kind, path string, extra Payload) Event {
	payload := Payload{
		FieldFilePath:  path,
		"file_name":    filepath.Base(path),
		FieldExtension: ExtensionOf(path),
	}
	return Event{
		Kind:    kind,
		Payload: merge(payload, extra),
		Metadata: Metadata{
			Source:   "file_system",
			Priority: PriorityMedium,
			Category: CategoryFileSystem,
			Tags:     []string{"file", string(kind)},
		},
	}
}

// NewErrorEvent builds an error_detected event. The priority follows the
// severity: warning is low, error is high, critical is critical.
func NewErrorEvent(message, severity string, extra Payload) Event {
	if severity == "" {
		severity = "error"
	}
	return Event{
		Kind: KindErrorDetected,
		Payload: merge(Payload{
			"error_message": message,
			FieldSeverity:   severity,
		}, extra),
		Metadata: Metadata{
			Source:   "error_handler",
			Priority: severityPriority(severity),
			Category: CategoryError,
			Tags:     []string{"error", severity},
		},
	}
}

// NewCodeChangeEvent builds a code_changed event.
func NewCodeChangeEvent(path string, linesChanged int, extra Payload) Event {
	payload := Payload{
		FieldFilePath:     path,
		FieldExtension:    ExtensionOf(path),
		FieldLinesChanged: linesChanged,
		"change_type":     "modification",
	}
	return Event{
		Kind:    KindCodeChanged,
		Payload: merge(payload, extra),
		Metadata: Metadata{
			Source:   "code_monitor",
			Priority: PriorityMedium,
			Category: CategoryCodeChange,
			Tags:     []string{"code", "change"},
		},
	}
}

// NewTestEvent builds test_passed when status is "passed" and test_failed otherwise.
func NewTestEvent(name, status string, extra Payload) Event {
	kind := KindTestFailed
	priority := PriorityHigh
	if status == "passed" {
		kind = KindTestPassed
		priority = PriorityLow
	}
	return Event{
		Kind: kind,
		Payload: merge(Payload{
			"test_name": name,
			"status":    status,
		}, extra),
		Metadata: Metadata{
			Source:   "test_runner",
			Priority: priority,
			Category: CategoryTest,
			Tags:     []string{"test", status},
		},
	}
}

// NewSecurityEvent builds a security_alert event.
func NewSecurityEvent(alertType, description string, extra Payload) Event {
	return Event{
		Kind: KindSecurityAlert,
		Payload: merge(Payload{
			"alert_type":  alertType,
			"description": description,
		}, extra),
		Metadata: Metadata{
			Source:   "security_monitor",
			Priority: PriorityCritical,
			Category: CategorySecurity,
			Tags:     []string{"security", alertType},
		},
	}
}

func severityPriority(severity string) Priority {
	switch severity {
	case "warning":
		return PriorityLow
	case "error":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

func merge(base, extra Payload) Payload {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
