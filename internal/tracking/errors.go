package tracking

import (
	"fmt"

	"github.com/example/bus-tracking/internal/models"
)

var (
	ErrSessionClosed  = fmt.Errorf("%w: trip tracking is closed", models.ErrPrecondition)
	ErrSessionNotOpen = fmt.Errorf("%w: trip is not being tracked", models.ErrPrecondition)
	ErrTripNotActive  = fmt.Errorf("%w: trip is completed or cancelled", models.ErrPrecondition)

	ErrStudentNotTracked = fmt.Errorf("%w: no tracked trip carries the student", models.ErrNotFound)
	ErrNotParentsChild   = fmt.Errorf("%w: student is not the parent's child", models.ErrNotFound)
)
