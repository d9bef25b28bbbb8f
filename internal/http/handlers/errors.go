package handlers

import "errors"

var errBadBatchBounds = errors.New("limit and concurrency must not be negative")
