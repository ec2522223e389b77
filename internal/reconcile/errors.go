package reconcile

import "errors"

// ErrNoUser is returned when a flow is started without a user id.
var ErrNoUser = errors.New("reconcile: user id is required")
