package alerting

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Route pairs a named sink with the lowest severity it wants.
type Route struct {
	Name        string
	Notifier    Notifier
	MinSeverity Severity
}

// MultiNotifier fans an alert out to every route whose floor it meets.
// A failing route does not stop the others.
type MultiNotifier struct {
	routes []Route
}

// NewMultiNotifier builds a fan-out sink over routes.
func NewMultiNotifier(routes ...Route) *MultiNotifier {
	return &MultiNotifier{routes: routes}
}

// RoutedNotifier is a sink made of named routes that can resend to a subset
// of them.
type RoutedNotifier interface {
	Notifier
	// NotifyRoutes sends to the named routes, or to all of them when names
	// is empty, and returns the names of the routes that failed.
	NotifyRoutes(ctx context.Context, alert Alert, names []string) ([]string, error)
}

// Notify sends to each matching route and joins the failures.
func (m *MultiNotifier) Notify(ctx context.Context, alert Alert) error {
	_, err := m.NotifyRoutes(ctx, alert, nil)
	return err
}

// NotifyRoutes sends to the matching routes listed in names, or to every
// matching route when names is empty.
func (m *MultiNotifier) NotifyRoutes(ctx context.Context, alert Alert, names []string) ([]string, error) {
	var (
		failed []string
		errs   []error
	)
	for _, r := range m.routes {
		if r.MinSeverity != "" && !alert.Severity.AtLeast(r.MinSeverity) {
			continue
		}
		if len(names) > 0 && !slices.Contains(names, r.Name) {
			continue
		}
		if err := r.Notifier.Notify(ctx, alert); err != nil {
			failed = append(failed, r.Name)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
		}
	}
	return failed, errors.Join(errs...)
}

// Names lists the configured routes.
func (m *MultiNotifier) Names() []string {
	out := make([]string, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r.Name)
	}
	return out
}

var _ RoutedNotifier = (*MultiNotifier)(nil)
