package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/stor-ops/custodian/internal/remote"
)

// FaultEntry is one recorded per-item failure.
type FaultEntry struct {
	Subject string // item id or similar identifier
	Err     error
}

// FaultList collects per-item faults from a fan-out without aborting
// sibling operations. Safe for concurrent use.
type FaultList struct {
	mu      sync.Mutex
	entries []FaultEntry
}

// Add records one failure.
func (fl *FaultList) Add(subject string, err error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.entries = append(fl.entries, FaultEntry{Subject: subject, Err: err})
}

// Len returns the number of recorded failures.
func (fl *FaultList) Len() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.entries)
}

// Digest renders the operator digest: one line per failure with kind,
// identifiers, correlation id, and the raw provider response.
func (fl *FaultList) Digest(header string) string {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d failure(s)\n", header, len(fl.entries))
	for _, e := range fl.entries {
		if f := remote.FaultOf(e.Err); f != nil {
			fmt.Fprintf(&b, "- %s: class=%s status=%d correlation=%s response=%s\n",
				e.Subject, f.Class, f.Status, f.CorrelationID, f.Body)
			continue
		}
		fmt.Fprintf(&b, "- %s: %v\n", e.Subject, e.Err)
	}
	return b.String()
}
