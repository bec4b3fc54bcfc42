package interchange

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PassName identifies remarks emitted by this pass.
const PassName = "loop-interchange"

// RemarkKind classifies a remark.
type RemarkKind uint8

const (
	// RemarkPassed reports a performed transformation.
	RemarkPassed RemarkKind = iota
	// RemarkMissed reports a rejected candidate.
	RemarkMissed
	// RemarkAnalysis reports analysis progress.
	RemarkAnalysis
)

func (k RemarkKind) String() string {
	switch k {
	case RemarkPassed:
		return "passed"
	case RemarkMissed:
		return "missed"
	case RemarkAnalysis:
		return "analysis"
	}
	return fmt.Sprintf("RemarkKind(%d)", k)
}

func (k RemarkKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RemarkKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "passed":
		*k = RemarkPassed
	case "missed":
		*k = RemarkMissed
	case "analysis":
		*k = RemarkAnalysis
	default:
		return fmt.Errorf("unknown remark kind %q", b)
	}
	return nil
}

// Remark is one diagnostic about a loop.
type Remark struct {
	Kind     RemarkKind `json:"kind"`
	Pass     string     `json:"pass"`
	Name     string     `json:"name"`
	Function string     `json:"function"`
	Loop     string     `json:"loop"`
	Message  string     `json:"message"`
}

func (r Remark) String() string {
	return fmt.Sprintf("%s: %s %s [%s] %s: %s", r.Pass, r.Kind, r.Name, r.Function, r.Loop, r.Message)
}

// RemarkSink receives remarks. Emitting never affects the pass outcome.
type RemarkSink interface {
	Emit(Remark)
}

// NopSink drops every remark.
type NopSink struct{}

func (NopSink) Emit(Remark) {}

// RemarkCollector keeps remarks in memory. It is safe for concurrent use.
type RemarkCollector struct {
	mu      sync.Mutex
	remarks []Remark
}

func (c *RemarkCollector) Emit(r Remark) {
	c.mu.Lock()
	c.remarks = append(c.remarks, r)
	c.mu.Unlock()
}

// Remarks returns a copy of the collected remarks.
func (c *RemarkCollector) Remarks() []Remark {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Remark(nil), c.remarks...)
}

// Names returns the names of the collected remarks in order.
func (c *RemarkCollector) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.remarks))
	for i, r := range c.remarks {
		names[i] = r.Name
	}
	return names
}

// MarshalJSON encodes the collected remarks as a JSON array.
func (c *RemarkCollector) MarshalJSON() ([]byte, error) {
	rs := c.Remarks()
	if rs == nil {
		rs = []Remark{}
	}
	return json.Marshal(rs)
}

// multiSink fans a remark out to several sinks.
type multiSink []RemarkSink

func (m multiSink) Emit(r Remark) {
	for _, s := range m {
		s.Emit(r)
	}
}
