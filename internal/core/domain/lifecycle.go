package domain

import "fmt"

// Trigger names the event that causes a lifecycle transition.
type Trigger string

const (
	TriggerDequeue    Trigger = "dequeue"
	TriggerRedelivery Trigger = "redelivery"
	TriggerCompletion Trigger = "completion"
	TriggerRetry      Trigger = "retry"
	TriggerPoll       Trigger = "poll"
)

type transitionKey struct {
	from    InvoiceStatus
	trigger Trigger
}

var allowedTransitions = map[transitionKey][]InvoiceStatus{
	{StatusQueued, TriggerDequeue}:        {StatusProcessing},
	{StatusProcessing, TriggerRedelivery}: {StatusProcessing},
	{StatusProcessing, TriggerCompletion}: {StatusAccepted, StatusRejected, StatusError, StatusSubmitted, StatusProcessing},
	{StatusError, TriggerRetry}:           {StatusProcessing},
	{StatusError, TriggerRedelivery}:      {StatusProcessing},
	{StatusProcessing, TriggerPoll}:       {StatusAccepted, StatusRejected, StatusProcessing, StatusSubmitted},
	{StatusSubmitted, TriggerPoll}:        {StatusAccepted, StatusRejected, StatusProcessing, StatusSubmitted},
}

// Transition validates a lifecycle move. Every pair not listed above is
// rejected with ErrInvalidTransition.
func Transition(from, to InvoiceStatus, trigger Trigger) error {
	for _, allowed := range allowedTransitions[transitionKey{from: from, trigger: trigger}] {
		if allowed == to {
			return nil
		}
	}
	return WrapError(ErrInvalidTransition, "transition", fmt.Errorf("%s -> %s on %s", from, to, trigger))
}

// EntryTrigger picks the trigger a worker uses to take an invoice into
// processing, or reports false when the invoice must not be reprocessed.
func EntryTrigger(current InvoiceStatus) (Trigger, bool) {
	switch current {
	case StatusQueued:
		return TriggerDequeue, true
	case StatusProcessing, StatusError:
		return TriggerRedelivery, true
	default:
		return "", false
	}
}
