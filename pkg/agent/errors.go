package agent

import "errors"

var (
	// ErrRefreshFault wraps any error or panic raised while refreshing one object.
	ErrRefreshFault = errors.New("agent: refresh fault")

	// ErrLoopFault wraps any error or panic that ends the readiness loop.
	ErrLoopFault = errors.New("agent: readiness loop fault")
)
