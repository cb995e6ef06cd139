package engine

import "github.com/carelink/chatsync/pkg/model"

// maxSendAttempts is the delivery retry budget per pending message.
const maxSendAttempts = 3

// canTransition reports whether a message status may move from -> to.
//
//	pending -> sent | delivered | error
//	sent    -> delivered | read
//	delivered -> read
//	error   -> sent | delivered   (retry)
//	read    -> (terminal)
//
// Dispatcher success confirms delivery directly, so pending -> delivered is
// the common path; "sent" appears when the backend acknowledges in stages.
func canTransition(from, to model.Status) bool {
	switch from {
	case model.StatusPending:
		return to == model.StatusSent || to == model.StatusDelivered || to == model.StatusError
	case model.StatusSent:
		return to == model.StatusDelivered || to == model.StatusRead
	case model.StatusDelivered:
		return to == model.StatusRead
	case model.StatusError:
		return to == model.StatusSent || to == model.StatusDelivered
	}
	return false
}
