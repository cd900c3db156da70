package pgwire

import (
	"strconv"
	"strings"
)

// Result information
type Result struct {
	// command tag reported by the last CommandComplete, e.g. "UPDATE 3"
	commandTag string
	// number of rows affected by the last command
	affectedRows int64
	// the affected rows were returned
	hasAffectedRows bool
}

// setTag stores the completion tag and extracts the affected row count
// from its trailing number, when the command reports one
func (r *Result) setTag(tagStr string) error {
	r.commandTag = tagStr

	fields := strings.Fields(tagStr)
	if len(fields) < 2 {
		return nil
	}
	n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return nil
	}
	r.affectedRows, r.hasAffectedRows = n, true
	return nil
}

// CommandTag returns the completion tag of the last statement
func (r Result) CommandTag() string {
	return r.commandTag
}

// RowsAffected returns the number of rows affected by the last statement
func (r Result) RowsAffected() (int64, error) {
	if r.hasAffectedRows {
		return r.affectedRows, nil
	}
	return 0, nil
}
