package model

import "errors"

var (
	ErrInsufficientHistory = errors.New("insufficient history for window")
	ErrWindowOutOfRange    = errors.New("window out of range")
	ErrObservationShape    = errors.New("observation shape mismatch")
	ErrDimensionMismatch   = errors.New("dimension mismatch")
	ErrModelNotLoaded      = errors.New("model not loaded")
	ErrNonFiniteLoss       = errors.New("non-finite loss")
	ErrEpisodeDone         = errors.New("episode already done")
)
