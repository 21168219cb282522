package mira

import "errors"

// ErrEmptySegment is returned when a collapse is attempted on a segment that
// contains no non-sentinel messages (invariant 2: non-empty collapsed
// segment). Callers must abort the collapse entirely on this error: no
// event is published and the sentinel remains active.
var ErrEmptySegment = errors.New("mira: segment has no messages to collapse")

// ErrNoActiveSegment is returned by callers that require an active segment
// to exist (e.g. a timeout scan encountering a continuum between collapse
// and re-open).
var ErrNoActiveSegment = errors.New("mira: continuum has no active segment")
