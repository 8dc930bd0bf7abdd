package v1

// EventType identifies the kind of a JobEvent. The set is closed; protocol
// negotiation advertises later additions as capabilities.
type EventType string

const (
	EventLLMToken        EventType = "LLM_TOKEN"
	EventNotification    EventType = "NOTIFICATION"
	EventError           EventType = "ERROR"
	EventContextBaseline EventType = "CONTEXT_BASELINE"
	EventStateHint       EventType = "STATE_HINT"
	EventConfirmRequest  EventType = "CONFIRM_REQUEST"
)

// EventTypes lists every event type the executor can emit, in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventLLMToken,
		EventNotification,
		EventError,
		EventContextBaseline,
		EventStateHint,
		EventConfirmRequest,
	}
}

// NotificationLevel is the severity carried by NOTIFICATION events.
type NotificationLevel string

const (
	NotificationInfo    NotificationLevel = "INFO"
	NotificationWarning NotificationLevel = "WARNING"
	NotificationError   NotificationLevel = "ERROR"
)

// ConfirmDecision is the deterministic answer recorded for CONFIRM_REQUEST
// events. A headless confirmation never blocks the agent.
type ConfirmDecision string

const (
	DecisionYes ConfirmDecision = "YES"
	DecisionOK  ConfirmDecision = "OK"
)

// ConfirmOptionType mirrors the option sets a confirmation dialog would offer.
type ConfirmOptionType string

const (
	OptionYesNo    ConfirmOptionType = "YES_NO"
	OptionOKCancel ConfirmOptionType = "OK_CANCEL"
)
