package fetch

import (
	"strings"

	"github.com/teranos/reel/internal/util"
)

// MaxDiagnosticBytes caps the diagnostic text recorded on a failed job.
const MaxDiagnosticBytes = 8 << 10

// ResultStatus is the outcome tag of one retrieval.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// Reason classifies a failed retrieval.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonToolFailed Reason = "tool_failed" // probe or download exited non-zero
	ReasonNoOutput   Reason = "no_output"   // tool succeeded but staged no file
	ReasonFilesystem Reason = "filesystem"  // staging or final move failed
)

// Describe returns a human readable explanation of the reason.
func (r Reason) Describe() string {
	switch r {
	case ReasonToolFailed:
		return "retrieval tool failed"
	case ReasonNoOutput:
		return "retrieval tool produced no output file"
	case ReasonFilesystem:
		return "could not place the downloaded file"
	default:
		return "retrieval failed"
	}
}

// Result is the tagged outcome of Invoker.Fetch. Tool failures are values,
// not errors: the caller maps Status onto the job record.
type Result struct {
	Status   ResultStatus
	Reason   Reason
	FilePath string // set only on success
	Stdout   string
	Stderr   string
	Err      error // underlying cause on failure
}

// Succeeded reports whether the retrieval produced a file.
func (r Result) Succeeded() bool {
	return r.Status == ResultSuccess
}

// Diagnostics returns the text recorded on a failed job: trimmed stderr,
// else stdout, else the reason. Capped at MaxDiagnosticBytes, keeping the tail.
func (r Result) Diagnostics() string {
	text := strings.TrimSpace(r.Stderr)
	if text == "" {
		text = strings.TrimSpace(r.Stdout)
	}
	if text == "" {
		text = r.Reason.Describe()
		if r.Err != nil {
			text += ": " + r.Err.Error()
		}
	}
	return util.TruncateTail(text, MaxDiagnosticBytes)
}

func failure(reason Reason, err error, stdout, stderr string) Result {
	return Result{
		Status: ResultError,
		Reason: reason,
		Stdout: stdout,
		Stderr: stderr,
		Err:    err,
	}
}
