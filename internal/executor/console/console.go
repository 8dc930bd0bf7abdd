// Package console adapts an agent's interactive I/O surface into the typed
// event log of its job. There is no terminal attached to an executor, so
// token streams, notifications, and confirmation prompts all become events;
// each call blocks until the append is durable and a sequence is assigned.
package console

import (
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// Appender is the slice of the job store the console needs.
type Appender interface {
	AppendEvent(jobID string, evType v1.EventType, payload map[string]any) (int64, error)
}

// Console is the headless I/O surface for one job.
type Console struct {
	jobID string
	store Appender
}

// New creates a console bound to a job.
func New(store Appender, jobID string) *Console {
	return &Console{jobID: jobID, store: store}
}

// JobID returns the job this console appends to.
func (c *Console) JobID() string { return c.jobID }

// LLMToken appends one streamed model token.
func (c *Console) LLMToken(token, messageType string, isNewMessage, isReasoning bool) (int64, error) {
	return c.store.AppendEvent(c.jobID, v1.EventLLMToken, map[string]any{
		"token":        token,
		"messageType":  messageType,
		"isNewMessage": isNewMessage,
		"isReasoning":  isReasoning,
	})
}

// Notify appends a NOTIFICATION event. Title is omitted when empty.
func (c *Console) Notify(level v1.NotificationLevel, message, title string) (int64, error) {
	payload := map[string]any{
		"level":   string(level),
		"message": message,
	}
	if title != "" {
		payload["title"] = title
	}
	return c.store.AppendEvent(c.jobID, v1.EventNotification, payload)
}

// Error appends an ERROR event.
func (c *Console) Error(message, title string) (int64, error) {
	return c.store.AppendEvent(c.jobID, v1.EventError, map[string]any{
		"message": message,
		"title":   title,
	})
}

// ContextBaseline appends the context snapshot taken when a run begins.
func (c *Console) ContextBaseline(count int, snippet string) (int64, error) {
	return c.store.AppendEvent(c.jobID, v1.EventContextBaseline, map[string]any{
		"count":   count,
		"snippet": snippet,
	})
}

// StateHint appends a STATE_HINT event with an optional details string.
func (c *Console) StateHint(name, value, details string) (int64, error) {
	payload := map[string]any{
		"name":  name,
		"value": value,
	}
	if details != "" {
		payload["details"] = details
	}
	return c.store.AppendEvent(c.jobID, v1.EventStateHint, payload)
}

// StateHintCount appends a STATE_HINT event carrying a count.
func (c *Console) StateHintCount(name, value string, count int) (int64, error) {
	return c.store.AppendEvent(c.jobID, v1.EventStateHint, map[string]any{
		"name":  name,
		"value": value,
		"count": count,
	})
}

// Confirm records a confirmation prompt and answers it immediately. A
// headless run cannot block on a dialog, so the deterministic default (YES
// for yes/no prompts, OK otherwise) is recorded in the event and returned.
// Observers reading the log can see what was auto-answered.
func (c *Console) Confirm(message, title string, optionType v1.ConfirmOptionType, messageType string) (v1.ConfirmDecision, error) {
	decision := v1.DecisionOK
	if optionType == v1.OptionYesNo {
		decision = v1.DecisionYes
	}
	_, err := c.store.AppendEvent(c.jobID, v1.EventConfirmRequest, map[string]any{
		"message":         message,
		"title":           title,
		"optionType":      string(optionType),
		"messageType":     messageType,
		"defaultDecision": string(decision),
	})
	if err != nil {
		return "", err
	}
	return decision, nil
}
