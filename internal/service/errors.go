package service

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrSessionUnavailable = errors.New("session is not open")
	ErrSessionExists      = errors.New("session is already open")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobAlreadyExists   = errors.New("job already exists")
)
