package dberrors

import "errors"

var (
	ErrNotFound           = errors.New("feedmesh: not found")
	ErrClosed             = errors.New("feedmesh: closed")
	ErrInvalidArgument    = errors.New("feedmesh: invalid argument")
	ErrConcurrentConsumer = errors.New("feedmesh: reader already has a consumer")
	ErrRoleViolation      = errors.New("feedmesh: procedure not allowed for this role")
	ErrSequenceGap        = errors.New("feedmesh: sequence gap")
	ErrUnknownProcedure   = errors.New("feedmesh: unknown procedure")
)
