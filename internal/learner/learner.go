// Package learner derives canonical per-class response templates from
// observed remote traffic.
//
// During normal forwarding the learner sees every remote response. Once it
// is confident about a class it can stand in for the remote: the proxy
// answers device requests from the learned byte-exact template without
// knowing the protocol's integrity token. Below the confidence threshold a
// built-in default set is used instead.
package learner

import (
	"bytes"
	"sync"
	"time"

	"github.com/fieldgate-io/fieldgate/internal/protocol"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

// DefaultReadyThreshold is the dominant-class confidence required before
// learned templates replace the built-in defaults.
const DefaultReadyThreshold = 5

// Template is one learned canonical response.
type Template struct {
	Class      protocol.ResponseClass
	Frame      *protocol.Frame
	Confidence int
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Learner observes remote responses and maintains one canonical byte-exact
// template per response class. Safe for concurrent use.
type Learner struct {
	mu          sync.Mutex
	threshold   int
	templates   map[protocol.ResponseClass]*Template
	defaults    map[protocol.ResponseClass]*protocol.Frame
	divergences uint64
	logger      log.Logger
}

// New creates a Learner. A threshold <= 0 selects DefaultReadyThreshold.
func New(threshold int, logger log.Logger) *Learner {
	if threshold <= 0 {
		threshold = DefaultReadyThreshold
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Learner{
		threshold: threshold,
		templates: make(map[protocol.ResponseClass]*Template),
		defaults:  protocol.DefaultTemplates(),
		logger:    logger,
	}
}

// Observe records one request/response exchange seen on the remote link.
// The first sighting of a class stores the response verbatim. Re-sightings
// that match byte-for-byte apart from the echoed Seq value increase
// confidence. A divergent sighting is counted and logged but never
// adopted, which protects the template set against one atypical sample.
func (l *Learner) Observe(req, resp *protocol.Frame) {
	if resp == nil || !resp.IsResponse() {
		return
	}
	class := protocol.Classify(resp)
	if class == protocol.ClassUnknown {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := resp.ArrivedAt()
	existing, ok := l.templates[class]
	if !ok {
		l.templates[class] = &Template{
			Class:      class,
			Frame:      resp,
			Confidence: 1,
			FirstSeen:  now,
			LastSeen:   now,
		}
		l.logger.Debug("learned new response class",
			log.String("class", string(class)),
		)
		return
	}

	// Responses echo the request Seq, so normalize it before comparing;
	// everything else, token included, must match exactly.
	normalized := resp
	if seq := existing.Frame.Seq(); seq != "" && resp.Seq() != "" {
		normalized = protocol.Render(resp, map[string]string{protocol.FieldSeq: seq}, now)
	}
	if bytes.Equal(existing.Frame.Bytes(), normalized.Bytes()) {
		existing.Confidence++
		existing.LastSeen = now
		return
	}

	l.divergences++
	l.logger.Warn("divergent response for learned class, keeping existing template",
		log.String("class", string(class)),
		log.Int("confidence", existing.Confidence),
	)
}

// Ready reports whether the dominant class has enough confidence for
// learned templates to replace the built-in defaults.
func (l *Learner) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readyLocked()
}

func (l *Learner) readyLocked() bool {
	max := 0
	for _, t := range l.templates {
		if t.Confidence > max {
			max = t.Confidence
		}
	}
	return max >= l.threshold
}

// Respond returns the template frame for the given class: the learned one
// if the learner is ready and has the class, otherwise the built-in
// default. Returns nil for classes with no default.
func (l *Learner) Respond(class protocol.ResponseClass) *protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readyLocked() {
		if t, ok := l.templates[class]; ok {
			return t.Frame
		}
	}
	return l.defaults[class]
}

// Templates returns the current template set: learned if ready, else the
// built-in defaults.
func (l *Learner) Templates() map[protocol.ResponseClass]*protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[protocol.ResponseClass]*protocol.Frame)
	if l.readyLocked() {
		for class, t := range l.templates {
			out[class] = t.Frame
		}
		return out
	}
	for class, f := range l.defaults {
		out[class] = f
	}
	return out
}

// Divergences returns the count of rejected divergent sightings.
func (l *Learner) Divergences() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.divergences
}

// Export returns the learned set for persistence.
func (l *Learner) Export() []Template {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Template, 0, len(l.templates))
	for _, t := range l.templates {
		out = append(out, *t)
	}
	return out
}

// Import seeds the learner from a persisted snapshot. Existing in-memory
// templates win over imported ones; Import is intended for startup.
func (l *Learner) Import(templates []Template) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range templates {
		t := templates[i]
		if t.Frame == nil || t.Confidence <= 0 {
			continue
		}
		if _, ok := l.templates[t.Class]; ok {
			continue
		}
		l.templates[t.Class] = &t
	}
}
