package validation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
)

type sample struct {
	Name string `validate:"required"`
	Age  int    `validate:"min=1,max=10"`
}

func TestStructPassesValidInput(t *testing.T) {
	err := Struct(sample{Name: "a", Age: 5})
	require.NoError(t, err)
}

func TestStructReportsMissingRequiredField(t *testing.T) {
	err := Struct(sample{Age: 5})
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindInvalidRequest))
	require.Contains(t, err.Error(), "Name")
}

func TestStructReportsOutOfRangeField(t *testing.T) {
	err := Struct(sample{Name: "a", Age: 99})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Age")
}
