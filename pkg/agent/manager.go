package agent

import (
	"context"

	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
)

// Mode tells whether a Manager refreshes its object.
type Mode uint8

const (
	ModeStatic Mode = iota
	ModeRefreshable
)

func (m Mode) String() string {
	if m == ModeRefreshable {
		return "refreshable"
	}
	return "static"
}

// Refresher writes new values into the object it is given.
type Refresher interface {
	Refresh(ctx context.Context, obj *lwm2m.Object) error
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, obj *lwm2m.Object) error

func (f RefreshFunc) Refresh(ctx context.Context, obj *lwm2m.Object) error { return f(ctx, obj) }

// Manager owns one object and, when refreshable, the function that
// keeps it current.
type Manager struct {
	object    *lwm2m.Object
	mode      Mode
	refresher Refresher
}

// Static returns a manager whose object never changes after construction.
func Static(obj *lwm2m.Object) *Manager {
	return &Manager{object: obj, mode: ModeStatic}
}

// Refreshable returns a manager that runs r against obj on every refresh.
func Refreshable(obj *lwm2m.Object, r Refresher) *Manager {
	if r == nil {
		return Static(obj)
	}
	return &Manager{object: obj, mode: ModeRefreshable, refresher: r}
}

func (m *Manager) Object() *lwm2m.Object { return m.object }

func (m *Manager) Mode() Mode { return m.mode }

// Refresh runs the bound refresher. It is a no-op for static managers.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.mode != ModeRefreshable {
		return nil
	}
	return m.refresher.Refresh(ctx, m.object)
}
