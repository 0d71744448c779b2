package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"
)

// Parse parses one raw wire block into a Frame. The block is a sequence of
// Name=Value lines; CRLF line endings are tolerated. Unknown field names are
// preserved verbatim so that pass-through traffic survives untouched. Parse
// fails with an error wrapping ErrMalformedFrame on structural problems, and
// never on unknown fields.
func Parse(raw []byte, at time.Time) (*Frame, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrMalformedFrame)
	}

	lines := bytes.Split(raw, []byte("\n"))
	// A trailing line terminator yields one empty final element.
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	fields := make([]Field, 0, len(lines))
	for i, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			return nil, fmt.Errorf("%w: empty line at %d", ErrMalformedFrame, i)
		}
		name, value, ok := bytes.Cut(line, []byte("="))
		if !ok || len(name) == 0 {
			return nil, fmt.Errorf("%w: line %d has no field separator", ErrMalformedFrame, i)
		}
		fields = append(fields, Field{Name: string(name), Value: string(value)})
	}

	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)
	return &Frame{fields: fields, raw: rawCopy, at: at}, nil
}

// Render produces a new frame from a template with the given field values
// substituted. Only the value bytes of substituted fields change; every
// other byte of the template, including line terminators and the trailing
// integrity token, is reproduced exactly. Substituting a field the template
// does not carry is a no-op.
func Render(template *Frame, subs map[string]string, at time.Time) *Frame {
	if len(subs) == 0 {
		return &Frame{fields: template.Fields(), raw: template.Bytes(), at: at}
	}

	var raw bytes.Buffer
	fields := make([]Field, 0, len(template.fields))

	rest := template.raw
	for len(rest) > 0 {
		line, tail, found := bytes.Cut(rest, []byte("\n"))
		rest = tail

		term := ""
		if found {
			term = "\n"
		}
		body := bytes.TrimSuffix(line, []byte("\r"))
		if len(body) < len(line) {
			term = "\r" + term
		}
		if len(body) == 0 {
			raw.WriteString(term)
			continue
		}

		name, value, ok := bytes.Cut(body, []byte("="))
		if ok {
			if sub, has := subs[string(name)]; has {
				value = []byte(sub)
			}
			fields = append(fields, Field{Name: string(name), Value: string(value)})
			raw.Write(name)
			raw.WriteByte('=')
			raw.Write(value)
		} else {
			raw.Write(body)
		}
		raw.WriteString(term)
	}

	return &Frame{fields: fields, raw: raw.Bytes(), at: at}
}

// ReadBlock reads one delimiter-bounded block from r. A block ends at the
// first empty line; leading empty lines are skipped. The returned bytes
// exclude the delimiter line. At end of stream a partial block without a
// trailing delimiter is returned as a complete block; io.EOF is returned
// only when no block content was read.
func ReadBlock(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			body := bytes.TrimRight(line, "\r\n")
			switch {
			case len(body) == 0 && len(buf) > 0:
				return buf, nil
			case len(body) == 0:
				// leading blank line, skip
			default:
				buf = append(buf, line...)
			}
		}
		if err != nil {
			if err == io.EOF {
				if len(buf) > 0 {
					return buf, nil
				}
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// WriteBlock writes the frame's exact bytes followed by the block delimiter.
func WriteBlock(w io.Writer, f *Frame) error {
	raw := f.raw
	if _, err := w.Write(raw); err != nil {
		return err
	}
	delim := []byte("\n")
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		delim = []byte("\n\n")
	}
	_, err := w.Write(delim)
	return err
}
