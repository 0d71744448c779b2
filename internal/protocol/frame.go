package protocol

import "time"

// Well-known field names of the controller protocol. Any other field is
// carried verbatim and never interpreted.
const (
	FieldCmd    = "Cmd"
	FieldDir    = "Dir"
	FieldSerial = "Ser"
	FieldSeq    = "Seq"
	FieldReason = "Reason"
	FieldData   = "Data"
	FieldSet    = "Set"
	FieldSum    = "Sum"
)

// Direction values of the Dir discriminator field.
const (
	DirRequest  = "Q"
	DirResponse = "A"
)

// Field is one name/value pair of a frame, in wire order.
type Field struct {
	Name  string
	Value string
}

// Frame is one parsed wire block: an ordered list of fields plus the raw
// bytes it was parsed from. Frames are immutable after construction; the
// trailing Sum field is an opaque integrity token and is never computed
// here, only carried.
type Frame struct {
	fields []Field
	raw    []byte
	at     time.Time
}

// Fields returns a copy of the frame's fields in wire order.
func (f *Frame) Fields() []Field {
	out := make([]Field, len(f.fields))
	copy(out, f.fields)
	return out
}

// Get returns the value of the first field with the given name.
func (f *Frame) Get(name string) (string, bool) {
	for _, fld := range f.fields {
		if fld.Name == name {
			return fld.Value, true
		}
	}
	return "", false
}

// Has reports whether the frame carries a field with the given name.
func (f *Frame) Has(name string) bool {
	_, ok := f.Get(name)
	return ok
}

// Bytes returns the exact wire bytes of the frame, excluding the block
// delimiter. For a parsed frame this is byte-identical to the input.
func (f *Frame) Bytes() []byte {
	out := make([]byte, len(f.raw))
	copy(out, f.raw)
	return out
}

// ArrivedAt returns the observed arrival timestamp.
func (f *Frame) ArrivedAt() time.Time {
	return f.at
}

// IsRequest reports whether the Dir discriminator marks this frame as a
// request. Frames without a Dir field are treated as requests, matching
// the device's behavior of omitting the field on some poll classes.
func (f *Frame) IsRequest() bool {
	dir, ok := f.Get(FieldDir)
	return !ok || dir == DirRequest
}

// IsResponse reports whether the Dir discriminator marks this frame as a
// response.
func (f *Frame) IsResponse() bool {
	dir, ok := f.Get(FieldDir)
	return ok && dir == DirResponse
}

// CommandClass returns the value of the Cmd field, or "" if absent.
func (f *Frame) CommandClass() string {
	v, _ := f.Get(FieldCmd)
	return v
}

// Serial returns the device serial from the Ser field, or "" if absent.
func (f *Frame) Serial() string {
	v, _ := f.Get(FieldSerial)
	return v
}

// Seq returns the request sequence value, or "" if absent.
func (f *Frame) Seq() string {
	v, _ := f.Get(FieldSeq)
	return v
}

// Reason returns the response reason text, or "" if absent.
func (f *Frame) Reason() string {
	v, _ := f.Get(FieldReason)
	return v
}

// Token returns the opaque trailing integrity token, or "" if absent.
func (f *Frame) Token() string {
	v, _ := f.Get(FieldSum)
	return v
}
