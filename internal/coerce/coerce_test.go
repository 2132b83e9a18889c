package coerce

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/servicing-import/internal/model"
)

func TestCoerceNumeric(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"currency with thousands", "$443,500.00", "443500"},
		{"plain decimal", "4.125", "4.125"},
		{"parenthesized negative", "(1,250.00)", "-1250"},
		{"explicit negative", "-12.5", "-12.5"},
		{"percent sign stripped", "4.25%", "4.25"},
		{"quoted", `"1,000"`, "1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Coerce(tt.in, model.TypeNumeric, "upb")
			require.NoError(t, err)
			d, ok := v.(decimal.Decimal)
			require.True(t, ok, "expected decimal, got %T", v)
			want, _ := decimal.NewFromString(tt.want)
			assert.True(t, d.Equal(want), "got %s want %s", d, want)
		})
	}
}

func TestCoerceNumericUnparseable(t *testing.T) {
	v, err := Coerce("N/A", model.TypeNumeric, "upb")
	assert.Nil(t, v)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "upb", cerr.Column)
	assert.Equal(t, "N/A", cerr.Value)
	assert.Equal(t, model.TypeNumeric, cerr.Type)
}

func TestCoerceInteger(t *testing.T) {
	v, err := Coerce("4,730,017,533", model.TypeInteger, "loan_count")
	require.NoError(t, err)
	assert.Equal(t, int64(4730017533), v)

	// Excel renders integers with a trailing .0
	v, err = Coerce("123.0", model.TypeInteger, "loan_count")
	require.NoError(t, err)
	assert.Equal(t, int64(123), v)

	_, err = Coerce("123.5", model.TypeInteger, "loan_count")
	assert.Error(t, err)
}

func TestCoerceBoolean(t *testing.T) {
	truthy := []string{"true", "T", "Yes", "y", "1"}
	falsy := []string{"false", "F", "No", "n", "0"}
	for _, s := range truthy {
		v, err := Coerce(s, model.TypeBoolean, "escrowed")
		require.NoError(t, err, s)
		assert.Equal(t, true, v, s)
	}
	for _, s := range falsy {
		v, err := Coerce(s, model.TypeBoolean, "escrowed")
		require.NoError(t, err, s)
		assert.Equal(t, false, v, s)
	}

	_, err := Coerce("maybe", model.TypeBoolean, "escrowed")
	assert.Error(t, err)
}

func TestCoerceDate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"iso", "2024-01-15", "2024-01-15"},
		{"us slashes", "1/15/2024", "2024-01-15"},
		{"serial", "45323", "2024-02-01"},
		{"timestamp truncates to date", "2024-01-15 10:30:00", "2024-01-15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Coerce(tt.in, model.TypeDate, "paid_to_date")
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestCoerceDateSerialWindow(t *testing.T) {
	// Below the window a number is not a date.
	_, err := Coerce("100", model.TypeDate, "paid_to_date")
	assert.Error(t, err)

	// The heuristic can be turned off per column.
	_, err = CoerceWith("45323", model.TypeDate, "paid_to_date", Options{DisableSerialDates: true})
	assert.Error(t, err)

	// And the window can be widened.
	v, err := CoerceWith("100", model.TypeDate, "paid_to_date", Options{SerialDateMin: 1})
	require.NoError(t, err)
	assert.Equal(t, "1900-04-09", v)
}

func TestCoerceTimestamp(t *testing.T) {
	v, err := Coerce("2024-01-15T10:30:00Z", model.TypeTimestamp, "updated")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), v)

	// Serial with a fractional day keeps the time component.
	v, err = Coerce("45323.5", model.TypeTimestamp, "updated")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC), v)
}

func TestCoerceEmptyAndText(t *testing.T) {
	v, err := Coerce("", model.TypeNumeric, "upb")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Coerce("   ", model.TypeDate, "paid_to_date")
	require.NoError(t, err)
	assert.Nil(t, v)

	// Text passes through with quotes stripped, preserving leading zeros.
	v, err = Coerce(`"00123"`, model.TypeText, "zip")
	require.NoError(t, err)
	assert.Equal(t, "00123", v)
}
