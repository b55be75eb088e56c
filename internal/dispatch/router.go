// Package dispatch decides where generated text goes and hands it to the
// outbound notification capability.
package dispatch

import (
	"context"
	"log"
)

// Notifier is the delivery capability. Implementations send one message to
// one recipient; the router never retries a failed delivery.
type Notifier interface {
	Deliver(ctx context.Context, recipient, text string) error
}

// Outcome records one delivery attempt.
type Outcome struct {
	Recipient string
	Err       error
}

type Router struct {
	notifier      Notifier
	recipients    []string
	replyToSender bool
}

func NewRouter(notifier Notifier, recipients []string, replyToSender bool) *Router {
	return &Router{
		notifier:      notifier,
		recipients:    append([]string(nil), recipients...),
		replyToSender: replyToSender,
	}
}

// Dispatch delivers text either back to the originating conversation (when
// reply-to-sender is on and an origin is known) or to every configured
// recipient. Deliveries are independent; one failure does not stop the rest.
func (r *Router) Dispatch(ctx context.Context, origin, text string) []Outcome {
	targets := r.recipients
	if r.replyToSender && origin != "" {
		targets = []string{origin}
	}

	outcomes := make([]Outcome, 0, len(targets))
	for _, recipient := range targets {
		err := r.notifier.Deliver(ctx, recipient, text)
		if err != nil {
			log.Printf("dispatch: deliver to %s: %v", recipient, err)
		} else {
			log.Printf("dispatch: delivered to %s", recipient)
		}
		outcomes = append(outcomes, Outcome{Recipient: recipient, Err: err})
	}
	return outcomes
}

// Broadcast delivers to every configured recipient regardless of the
// reply-to-sender policy; reminders are never reply-to-sender.
func (r *Router) Broadcast(ctx context.Context, text string) []Outcome {
	outcomes := make([]Outcome, 0, len(r.recipients))
	for _, recipient := range r.recipients {
		err := r.notifier.Deliver(ctx, recipient, text)
		if err != nil {
			log.Printf("dispatch: deliver to %s: %v", recipient, err)
		}
		outcomes = append(outcomes, Outcome{Recipient: recipient, Err: err})
	}
	return outcomes
}
