package rate

import "fmt"

// SourceError reports which source failed and how.
type SourceError struct {
	// Source is rx, tx, uptime or counters
	Source string
	Path   string
	// Op is read, parse or config
	Op  string
	Err error
}

func (e *SourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Source, e.Path, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Reason is the metric label for this failure, e.g. "tx_read".
func (e *SourceError) Reason() string { return e.Source + "_" + e.Op }
