package protocol

import "time"

// Built-in fallback responses, byte-exact captures from a factory-default
// controller. They are used until the learner has observed enough live
// traffic to be confident in its own set. The Sum values are carried
// verbatim from the captures; the token algorithm is unknown and the device
// accepts these as-is.
var defaultTemplateRaw = map[ResponseClass]string{
	ClassAck:       "Cmd=30\nDir=A\nSeq=0\nReason=Done\nSum=5A01F3C2\n",
	ClassNoPending: "Cmd=64\nDir=A\nSeq=0\nReason=None\nSum=9C44A10B\n",
	ClassBusy:      "Cmd=30\nDir=A\nSeq=0\nReason=Busy\nSum=1D7E8830\n",
}

// DefaultTemplates returns the built-in fallback template set. The returned
// frames are freshly parsed; callers may hold them without copying.
func DefaultTemplates() map[ResponseClass]*Frame {
	out := make(map[ResponseClass]*Frame, len(defaultTemplateRaw))
	for class, raw := range defaultTemplateRaw {
		f, err := Parse([]byte(raw), time.Time{})
		if err != nil {
			// Built-in captures are compile-time constants; a parse
			// failure here is a programming error.
			panic(err)
		}
		out[class] = f
	}
	return out
}
