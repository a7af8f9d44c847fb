// Package validation wraps go-playground/validator for the wire-level
// request types (spec §6). DelegationRequest already carries `validate`
// struct tags; this package is the single place that invokes the
// validator and translates its errors into the control plane's typed
// InvalidRequest.
package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Struct validates v against its struct tags and returns a single typed
// InvalidRequest summarizing every failing field, or nil if v is valid.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return cerrors.NewInvalidRequest(err.Error())
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
		}
		return cerrors.NewInvalidRequest(strings.Join(msgs, "; "))
	}
	return nil
}
