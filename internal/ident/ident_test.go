package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple header", "Loan Number", "loan_number"},
		{"punctuation collapses", "Prin. & Int. (P&I)", "prin_int_p_i"},
		{"already normalized", "loan_number", "loan_number"},
		{"leading digit", "30 Day DQ", "n_30_day_dq"},
		{"reserved word", "select", "select_col"},
		{"trailing junk", "  Rate %  ", "rate"},
		{"empty", "", "unnamed"},
		{"only punctuation", "!!!", "unnamed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"Loan Number", "30 Day DQ", "select", "Prin. & Int."}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "Normalize(%q) must be idempotent", in)
	}
}

func TestNormalizeTruncates(t *testing.T) {
	long := strings.Repeat("abcdefgh_", 20)
	got := Normalize(long)
	assert.LessOrEqual(t, len(got), 63)
	assert.True(t, Valid(got))
}

func TestNormalizeTable(t *testing.T) {
	assert.Equal(t, "import_daily_remittance", NormalizeTable("import", "Daily Remittance"))
	assert.Equal(t, "trial_balance", NormalizeTable("", "Trial Balance"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("loan_number"))
	assert.True(t, Valid("n_30_day_dq"))
	assert.False(t, Valid("Loan Number"))
	assert.False(t, Valid("1loan"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("drop table"))
	assert.False(t, Valid(strings.Repeat("a", 64)))
}
