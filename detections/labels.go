package detections

import "fmt"

// Labels maps class ids to display names.
type Labels []string

// DefaultLabels is the single-class set the disaster model was trained with.
var DefaultLabels = Labels{"Human"}

// Name returns the configured name for id. Ids the list does not cover are still
// reported, as "Class <id>", so multi-class models work without configuration.
func (l Labels) Name(id int) string {
	if id >= 0 && id < len(l) && l[id] != "" {
		return l[id]
	}
	return fmt.Sprintf("Class %d", id)
}
