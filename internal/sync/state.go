package sync

import (
	"time"

	"github.com/bngarren/ccsync-sub002/internal/computer"
	"github.com/bngarren/ccsync-sub002/internal/copier"
)

// Report summarizes one pipeline run
type Report struct {
	DryRun           bool
	ChangedFiles     int // size of the changed set; 0 for a full run
	ResolutionErrors []string
	MissingComputers []string // referenced by a rule but not present in the save
	Computers        []ComputerReport
	Planned          []ComputerPlan // dry run only
	Duration         time.Duration
}

// ComputerReport is the copy outcome for one computer
type ComputerReport struct {
	Computer computer.Computer
	Result   copier.Result
}

// ComputerPlan lists the copies a dry run would perform on one computer
type ComputerPlan struct {
	Computer computer.Computer
	Copies   []copier.PlannedCopy
}

// Copied is the number of files written across all computers.
func (r *Report) Copied() int {
	n := 0
	for _, c := range r.Computers {
		n += len(c.Result.CopiedFiles)
	}
	return n
}

// Skipped is the number of files that could not be written.
func (r *Report) Skipped() int {
	n := 0
	for _, c := range r.Computers {
		n += len(c.Result.SkippedFiles)
	}
	for _, p := range r.Planned {
		for _, op := range p.Copies {
			if op.Err != nil {
				n++
			}
		}
	}
	return n
}

// HasErrors reports whether anything in the run went wrong.
func (r *Report) HasErrors() bool {
	return len(r.ResolutionErrors) > 0 || len(r.MissingComputers) > 0 || r.Skipped() > 0
}

// Empty reports whether the run had nothing to do.
func (r *Report) Empty() bool {
	return len(r.Computers) == 0 && len(r.Planned) == 0
}
