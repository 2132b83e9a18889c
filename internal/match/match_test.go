package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchExact(t *testing.T) {
	tests := []struct {
		header string
		field  string
	}{
		{"loan_number", "loan_number"},
		{"Loan Number", "loan_number"},
		{"LOAN NUMBER", "loan_number"},
		{"Loan #", "loan"},
	}
	for _, tt := range tests {
		res := Match([]string{tt.header}, []string{tt.field})
		best := res.BestMatches[tt.header]
		assert.Equal(t, ScoreExact, best.Score, "%q vs %q", tt.header, tt.field)
		assert.Equal(t, tt.field, best.Field)
	}
}

func TestMatchPlural(t *testing.T) {
	res := Match([]string{"borrower"}, []string{"borrowers"})
	assert.Equal(t, ScorePlural, res.BestMatches["borrower"].Score)
}

func TestMatchContainment(t *testing.T) {
	res := Match([]string{"loan"}, []string{"loannumber"})
	score := res.BestMatches["loan"].Score
	assert.GreaterOrEqual(t, score, 75)
	assert.LessOrEqual(t, score, 90)
}

func TestMatchFallbackBelowContainmentBand(t *testing.T) {
	res := Match([]string{"borower name"}, []string{"borrowername"})
	score := res.BestMatches["borower name"].Score
	assert.Less(t, score, 75)
	assert.Greater(t, score, DefaultThreshold, "near-typo should still clear the threshold")
}

func TestMatchUnrelated(t *testing.T) {
	res := Match([]string{"xyz"}, []string{"interest_rate"})
	assert.Less(t, res.BestMatches["xyz"].Score, DefaultThreshold)
}

func TestMatchMatrixComplete(t *testing.T) {
	headers := []string{"Loan Number", "UPB"}
	fields := []string{"loan_number", "unpaid_principal_balance", "upb"}
	res := Match(headers, fields)

	require.Len(t, res.Matrix, 2)
	for _, h := range headers {
		assert.Len(t, res.Matrix[h], len(fields), "row for %q", h)
	}
	assert.Equal(t, ScoreExact, res.BestMatches["Loan Number"].Score)
	assert.Equal(t, "upb", res.BestMatches["UPB"].Field)
}

func TestMatchTieBreaksEarliest(t *testing.T) {
	// Both fields are one edit away; the earlier one must win.
	res := Match([]string{"rate"}, []string{"rates", "ratee"})
	assert.Equal(t, "rates", res.BestMatches["rate"].Field)
}

func TestSuggestionsThreshold(t *testing.T) {
	res := Match([]string{"Loan Number", "zzz"}, []string{"loan_number"})

	sug := res.Suggestions(0)
	require.Contains(t, sug, "Loan Number")
	assert.NotContains(t, sug, "zzz")

	// A threshold of 100 keeps only exact hits.
	sug = res.Suggestions(100)
	assert.Len(t, sug, 1)
}
