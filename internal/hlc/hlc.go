// Package hlc implements the hybrid logical clock used to totally order
// changes across nodes without a central coordinator. A value combines a
// millisecond wall-clock reading with a logical counter and the id of the
// node that stamped it.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxCounter is the largest counter value a 16-bit HLC can carry.
	MaxCounter = 0xFFFF

	// MaxNodeIDLen is the longest node id Parse accepts. String does not
	// check the length.
	MaxNodeIDLen = 63

	// MaxDriftMillis bounds how far a remote HLC's wall component may lead
	// the local wall clock before Merge rejects it.
	MaxDriftMillis = 60_000

	timestampLayout = "2006-01-02T15:04:05"
)

// ErrorKind discriminates the specific failure behind a ParseError or
// LogicError so callers can branch without string matching.
type ErrorKind string

const (
	InvalidFormat     ErrorKind = "invalid_format"
	InvalidTimestamp  ErrorKind = "invalid_timestamp"
	CounterOutOfRange ErrorKind = "counter_out_of_range"
	NodeIDTooLong     ErrorKind = "node_id_too_long"
	CounterOverflow   ErrorKind = "counter_overflow"
	DuplicateNode     ErrorKind = "duplicate_node"
	RemoteDrift       ErrorKind = "remote_drift"
)

// ParseError reports why a canonical HLC string failed to parse.
type ParseError struct {
	Kind  ErrorKind
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hlc: parse %q: %s: %v", e.Input, e.Kind, e.Err)
	}
	return fmt.Sprintf("hlc: parse %q: %s", e.Input, e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LogicError reports an HLC operation that is well-formed but not allowed
// (overflow, a merge between two timestamps from the same node, or a remote
// timestamp too far ahead of the local wall clock).
type LogicError struct {
	Kind ErrorKind
	Msg  string
}

func (e *LogicError) Error() string { return fmt.Sprintf("hlc: %s: %s", e.Kind, e.Msg) }

// HLC is an immutable hybrid logical clock value.
type HLC struct {
	DateTime int64  // UTC milliseconds since epoch
	Counter  uint16 // logical tie-breaker within the same millisecond
	NodeID   string // opaque tag identifying the originating writer
}

// Now returns the current wall time stamped with nodeID, counter reset to 0.
func Now(nodeID string) HLC {
	return HLC{DateTime: time.Now().UTC().UnixMilli(), NodeID: nodeID}
}

// Zero returns the minimum HLC for nodeID.
func Zero(nodeID string) HLC {
	return HLC{NodeID: nodeID}
}

// FromMillis builds an HLC from an explicit wall-clock reading.
func FromMillis(ms int64, nodeID string) HLC {
	return HLC{DateTime: ms, NodeID: nodeID}
}

// String renders the canonical form:
// YYYY-MM-DDTHH:MM:SS.mmm-CCCC-<node_id>, counter as four uppercase hex
// digits and milliseconds as exactly three decimal digits.
func (h HLC) String() string {
	t := time.UnixMilli(h.DateTime).UTC()
	millis := ((h.DateTime % 1000) + 1000) % 1000
	return fmt.Sprintf("%s.%03d-%04X-%s", t.Format(timestampLayout), millis, h.Counter, h.NodeID)
}

// Compare returns -1, 0, or 1 as a sorts before, equals, or sorts after b,
// ordering lexicographically on (DateTime, Counter, NodeID).
func Compare(a, b HLC) int {
	switch {
	case a.DateTime < b.DateTime:
		return -1
	case a.DateTime > b.DateTime:
		return 1
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	default:
		return strings.Compare(a.NodeID, b.NodeID)
	}
}

// Less reports whether a happened before b in HLC order.
func (a HLC) Less(b HLC) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are the same HLC value.
func (a HLC) Equal(b HLC) bool { return Compare(a, b) == 0 }

// Increment returns h with its counter advanced by one, leaving DateTime and
// NodeID untouched. The wall clock is deliberately not re-sampled here, so
// the result depends only on h and stays deterministic wherever it is used,
// including inside triggers.
func Increment(h HLC) (HLC, error) {
	if h.Counter == MaxCounter {
		return HLC{}, &LogicError{
			Kind: CounterOverflow,
			Msg:  fmt.Sprintf("counter already at max for node %q", h.NodeID),
		}
	}
	return HLC{DateTime: h.DateTime, Counter: h.Counter + 1, NodeID: h.NodeID}, nil
}

// Merge folds a remote HLC into local, returning the HLC the local node
// should adopt going forward. remote and local must come from different
// nodes; remote's wall component may not lead wallNow by more than
// MaxDriftMillis.
func Merge(local, remote HLC, wallNow int64) (HLC, error) {
	if Compare(remote, local) <= 0 {
		return local, nil
	}
	if local.NodeID == remote.NodeID {
		return HLC{}, &LogicError{
			Kind: DuplicateNode,
			Msg:  fmt.Sprintf("local and remote HLCs share node id %q", local.NodeID),
		}
	}
	if remote.DateTime-wallNow > MaxDriftMillis {
		return HLC{}, &LogicError{
			Kind: RemoteDrift,
			Msg: fmt.Sprintf("remote is %dms ahead of local wall clock, exceeds max drift %dms",
				remote.DateTime-wallNow, MaxDriftMillis),
		}
	}

	newDate := wallNow
	if remote.DateTime > newDate {
		newDate = remote.DateTime
	}
	if local.DateTime > newDate {
		newDate = local.DateTime
	}

	// When newDate lands on a millisecond either input already occupies,
	// the counter must exceed whichever of them ties there so the merged
	// value dominates both under Compare regardless of how local.NodeID
	// happens to sort against remote.NodeID.
	var maxTiedCounter uint16
	tied := false
	if newDate == local.DateTime {
		maxTiedCounter = local.Counter
		tied = true
	}
	if newDate == remote.DateTime && remote.Counter > maxTiedCounter {
		maxTiedCounter = remote.Counter
		tied = true
	}

	var newCounter uint16
	if tied {
		if maxTiedCounter == MaxCounter {
			return HLC{}, &LogicError{
				Kind: CounterOverflow,
				Msg:  fmt.Sprintf("merge counter overflow at millis %d", newDate),
			}
		}
		newCounter = maxTiedCounter + 1
	}

	return HLC{DateTime: newDate, Counter: newCounter, NodeID: local.NodeID}, nil
}

// Parse reads the canonical textual form back into an HLC. It splits off
// the node id at the last '-' and the counter at the second-to-last '-',
// so node ids must not themselves contain a dash.
func Parse(s string) (HLC, error) {
	nodeSep := strings.LastIndexByte(s, '-')
	if nodeSep < 0 || nodeSep == len(s)-1 {
		return HLC{}, &ParseError{Kind: InvalidFormat, Input: s}
	}
	nodeID := s[nodeSep+1:]
	rest := s[:nodeSep]

	counterSep := strings.LastIndexByte(rest, '-')
	if counterSep < 0 {
		return HLC{}, &ParseError{Kind: InvalidFormat, Input: s}
	}
	counterHex := rest[counterSep+1:]
	tsPart := rest[:counterSep]

	if nodeID == "" {
		return HLC{}, &ParseError{Kind: InvalidFormat, Input: s}
	}
	if len(nodeID) > MaxNodeIDLen {
		return HLC{}, &ParseError{Kind: NodeIDTooLong, Input: s}
	}
	if counterHex == "" {
		return HLC{}, &ParseError{Kind: InvalidFormat, Input: s}
	}

	counter64, err := strconv.ParseUint(counterHex, 16, 64)
	if err != nil {
		return HLC{}, &ParseError{Kind: InvalidFormat, Input: s, Err: err}
	}
	if counter64 > MaxCounter {
		return HLC{}, &ParseError{Kind: CounterOutOfRange, Input: s}
	}

	ms, err := parseTimestamp(tsPart)
	if err != nil {
		return HLC{}, &ParseError{Kind: InvalidTimestamp, Input: s, Err: err}
	}

	return HLC{DateTime: ms, Counter: uint16(counter64), NodeID: nodeID}, nil
}

// parseTimestamp accepts the canonical "YYYY-MM-DDTHH:MM:SS.mmm" form, a
// trailing "Z", or the absence of either the fraction or the "Z" — all are
// interpreted as UTC.
func parseTimestamp(s string) (int64, error) {
	candidates := []string{
		timestampLayout + ".000Z",
		timestampLayout + ".000",
		timestampLayout + "Z",
		timestampLayout,
	}
	for _, layout := range candidates {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}
