package pattern

import "sort"

// Classifier maps an event to its group.
type Classifier func(Event) string

// ByCategory groups events by their Category field.
func ByCategory(ev Event) string {
	if ev.Category == "" {
		return "unknown"
	}
	return ev.Category
}

// Group is a cluster of events sharing one classification.
type Group struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Latest   Event  `json:"latest"`
}

// GroupEvents clusters events with classify and returns groups holding more
// than minCount events, largest first, ties broken by category.
func GroupEvents(events []Event, classify Classifier, minCount int) []Group {
	if classify == nil {
		classify = ByCategory
	}
	if minCount < 0 {
		minCount = 0
	}

	byKey := make(map[string]*Group)
	for _, ev := range events {
		key := classify(ev)
		g, ok := byKey[key]
		if !ok {
			g = &Group{Category: key}
			byKey[key] = g
		}
		g.Count++
		if !ev.At.Before(g.Latest.At) {
			g.Latest = ev
		}
	}

	out := make([]Group, 0, len(byKey))
	for _, g := range byKey {
		if g.Count > minCount {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}
