package types

// MailEvent is a lifecycle event counted by statistics
type MailEvent int

const (
	MailHandled   MailEvent = iota + 1 // Envelope accepted by the front-end
	MailDiscarded                      // Recipient matched the discard pattern
	MailCameIn                         // Finalized in the incoming directory
	MailProcessed                      // Relocated into the processed directory
)

func (e MailEvent) String() string {
	switch e {
	case MailHandled:
		return "MAIL_HANDLED"
	case MailDiscarded:
		return "MAIL_DISCARDED"
	case MailCameIn:
		return "MAIL_CAME_IN"
	case MailProcessed:
		return "MAIL_PROCESSED"
	default:
		return "UNKNOWN"
	}
}

// MailEvents returns the known events in counter order
func MailEvents() []MailEvent {
	return []MailEvent{MailHandled, MailDiscarded, MailCameIn, MailProcessed}
}
