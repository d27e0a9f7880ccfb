package search

import "errors"

// ErrBadDimSpec is returned by Start when region names a space/subspace
// the current configuration doesn't know about.
var ErrBadDimSpec = errors.New("search: space/subspace not found")
