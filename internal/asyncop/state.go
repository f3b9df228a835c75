package asyncop

import "fmt"

// Status is the lifecycle position of a controller.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is an immutable snapshot of a controller.
//
// Err is non-nil only in StatusError. HasData is always true in StatusSuccess; in
// StatusPending and StatusError it is true only when the controller keeps previous
// data and a prior success exists.
type State[T any] struct {
	Status  Status
	Data    T
	HasData bool
	Err     error
}

func (s State[T]) IsIdle() bool    { return s.Status == StatusIdle }
func (s State[T]) IsPending() bool { return s.Status == StatusPending }
func (s State[T]) IsSuccess() bool { return s.Status == StatusSuccess }
func (s State[T]) IsError() bool   { return s.Status == StatusError }
