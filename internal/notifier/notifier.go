// Package notifier diffs consecutive snapshots and emits change events for
// the consumer. Events are local to the process; delivery beyond it is the
// consumer's business.
package notifier

import (
	"sort"
	"strings"

	"github.com/dbpulse/dbpulse-agent/internal/logger"
	"github.com/dbpulse/dbpulse-agent/internal/model"
)

// builtinExclusions are variable-name substrings that change constantly or
// are flapped by monitoring tools; alerting on them is noise.
var builtinExclusions = []string{
	"gtid",
	"innodb_thread_sleep_delay",
	"timestamp",
}

// Notifier holds the session-scoped exclusion set. Exclusions are fixed at
// construction; mid-session reconfiguration is deliberately unsupported.
type Notifier struct {
	exclusions map[string]struct{}
}

// New builds a notifier with the configured exclusions merged over the
// built-in set.
func New(exclusions map[string]struct{}) *Notifier {
	set := make(map[string]struct{}, len(exclusions))
	for name := range exclusions {
		set[name] = struct{}{}
	}
	return &Notifier{exclusions: set}
}

// Diff compares consecutive snapshots and returns the cycle's change events
// in deterministic (name-sorted) order. The first cycle of a session has no
// previous snapshot and yields no events. Variable comparison is exact value
// equality; there is no tolerance. The read-only transition is reported
// regardless of exclusions.
func (n *Notifier) Diff(previous, current *model.Snapshot) []model.ChangeEvent {
	if previous == nil || current == nil {
		return nil
	}

	var events []model.ChangeEvent

	names := make([]string, 0, len(current.GlobalVariables))
	for name := range current.GlobalVariables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		oldValue, ok := previous.GlobalVariables[name]
		if !ok {
			continue
		}
		newValue := current.GlobalVariables[name]
		if oldValue == newValue {
			continue
		}
		if n.excluded(name) {
			continue
		}
		// read_only is reported through its own event kind below.
		if name == "read_only" {
			continue
		}

		logger.Info("Global variable %s changed: %s -> %s", name, oldValue, newValue)
		events = append(events, model.ChangeEvent{
			Kind: model.VariableChanged,
			Name: name,
			Old:  oldValue,
			New:  newValue,
		})
	}

	if previous.ReadOnly != nil && current.ReadOnly != nil && *previous.ReadOnly != *current.ReadOnly {
		logger.Warning("Read-only mode changed: %s -> %s",
			readOnlyLabel(*previous.ReadOnly), readOnlyLabel(*current.ReadOnly))
		events = append(events, model.ChangeEvent{
			Kind: model.ReadOnlyChanged,
			Old:  readOnlyLabel(*previous.ReadOnly),
			New:  readOnlyLabel(*current.ReadOnly),
		})
	}

	return events
}

func (n *Notifier) excluded(name string) bool {
	if _, ok := n.exclusions[name]; ok {
		return true
	}
	lower := strings.ToLower(name)
	for _, substr := range builtinExclusions {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

func readOnlyLabel(readOnly bool) string {
	if readOnly {
		return "read_only"
	}
	return "read_write"
}
