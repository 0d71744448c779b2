package protocol

// ResponseClass identifies the structural shape of a remote response.
// Classification looks at which discriminator fields are present (and the
// Reason discriminator value), never at payload content.
type ResponseClass string

// Response classes observed on the remote link.
const (
	// ClassAck is the standard acknowledgment: a response carrying a
	// Reason field and no payload.
	ClassAck ResponseClass = "ack"

	// ClassNoPending is the no-pending-configuration response that
	// terminates a configuration poll cycle.
	ClassNoPending ResponseClass = "nopend"

	// ClassBusy is the unstable acknowledgment: the remote asks the
	// device to retry later without terminating anything.
	ClassBusy ResponseClass = "busy"

	// ClassData is a payload-bearing response.
	ClassData ResponseClass = "data"

	// ClassSetting is a configuration push.
	ClassSetting ResponseClass = "setting"

	// ClassUnknown is any response shape not recognized above.
	ClassUnknown ResponseClass = "unknown"
)

// Reason discriminator values.
const (
	ReasonNone    = "None"
	ReasonBusy    = "Busy"
	ReasonSetting = "Setting"
)

// Classify determines the response class of a frame by structural shape.
func Classify(f *Frame) ResponseClass {
	switch {
	case f.Has(FieldSet):
		return ClassSetting
	case f.Has(FieldData):
		return ClassData
	case f.Reason() == ReasonNone:
		return ClassNoPending
	case f.Reason() == ReasonBusy:
		return ClassBusy
	case f.Has(FieldReason):
		return ClassAck
	default:
		return ClassUnknown
	}
}
