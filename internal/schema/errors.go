package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sells-group/congestion-audit/internal/trip"
)

// MismatchError reports a source file missing required raw columns. It is
// raised before any union is attempted.
type MismatchError struct {
	Path    string
	Program trip.Program
	Missing []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("schema: %s file %s is missing required columns: %s",
		e.Program, e.Path, strings.Join(e.Missing, ", "))
}

// IsMismatch reports whether err (or any error in its chain) is a MismatchError.
func IsMismatch(err error) bool {
	var me *MismatchError
	return errors.As(err, &me)
}
