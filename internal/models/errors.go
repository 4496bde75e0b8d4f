package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the tracking core wraps one of these
// so callers can classify it with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrPrecondition    = errors.New("precondition failed")
	ErrNotFound        = errors.New("not found")
)

var (
	ErrInvalidCoordinate = fmt.Errorf("%w: invalid coordinate", ErrInvalidArgument)
	ErrStopNotOnRoute    = fmt.Errorf("%w: stop does not belong to trip route", ErrInvalidArgument)
	ErrStopOrder         = fmt.Errorf("%w: stop order must be contiguous from 1", ErrInvalidArgument)
	ErrTripNotFound      = fmt.Errorf("%w: trip", ErrNotFound)
	ErrRouteNotFound     = fmt.Errorf("%w: route", ErrNotFound)
)

var (
	ErrRouteInService = fmt.Errorf("%w: route has a trip being tracked", ErrPrecondition)
	ErrRouteLocked    = fmt.Errorf("%w: route is being re-optimized", ErrPrecondition)
)

var (
	ErrArrivalNotRecorded     = fmt.Errorf("%w: arrival not recorded for stop", ErrPrecondition)
	ErrDepartureBeforeArrival = fmt.Errorf("%w: departure precedes arrival", ErrInvalidArgument)
)
