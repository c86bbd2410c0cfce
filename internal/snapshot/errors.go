package snapshot

import "fmt"

// UnknownFileTypeError reports a file no rule matches in strict mode.
type UnknownFileTypeError struct {
	Path string
}

func (e *UnknownFileTypeError) Error() string {
	return fmt.Sprintf("unknown file type: %s", e.Path)
}

// ConflictingChildNameError reports two children competing for one name.
// The child named by Skipped was left out of the snapshot.
type ConflictingChildNameError struct {
	Parent  string
	Name    string
	Skipped string
}

func (e *ConflictingChildNameError) Error() string {
	return fmt.Sprintf("conflicting child name %q under %s: skipped %s", e.Name, e.Parent, e.Skipped)
}

// DecodeError reports a structured file whose content is malformed.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
