package jobs

import "errors"

var ErrRunnerStarted = errors.New("job runner already started")
