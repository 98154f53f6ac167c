package warehouse

import (
	"errors"
	"fmt"
)

// MissingRelationError is returned when a stage runs before the stage that
// produces one of its inputs.
type MissingRelationError struct {
	Name     string
	Producer string
}

func (e *MissingRelationError) Error() string {
	if e.Producer == "" {
		return fmt.Sprintf("warehouse: relation %q does not exist", e.Name)
	}
	return fmt.Sprintf("warehouse: relation %q does not exist; run the %s stage first", e.Name, e.Producer)
}

// IsMissingRelation reports whether err (or any error in its chain) is a
// MissingRelationError.
func IsMissingRelation(err error) bool {
	var mr *MissingRelationError
	return errors.As(err, &mr)
}
