package wizard

import "errors"

// Validation errors for the interactive wizard.
var (
	errProjectRefRequired = errors.New("project reference is required")
	errProjectRefInvalid  = errors.New("project reference must be 6-30 lowercase alphanumeric characters or hyphens, starting with a letter")
	errRangesRequired     = errors.New("at least one scan range is required")
	errUsernameRequired   = errors.New("device username is required")
	errPortInvalid        = errors.New("port must be a number between 1 and 65535")
)
