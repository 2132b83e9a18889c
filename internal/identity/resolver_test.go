package identity

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/servicing-import/internal/model"
)

// fakeIdentityStore keeps identities in memory and can inject one
// unique violation to simulate a lost creation race.
type fakeIdentityStore struct {
	identities map[string]*model.LoanIdentity
	aliases    map[string]string // alias -> identity id

	failCreates     int
	hideAliasesOnce bool
	creates         int
	merges          int
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{
		identities: map[string]*model.LoanIdentity{},
		aliases:    map[string]string{},
	}
}

func (s *fakeIdentityStore) FindIdentityByAliases(ctx context.Context, aliases []string) (*model.LoanIdentity, error) {
	if s.hideAliasesOnce {
		s.hideAliasesOnce = false
		return nil, nil
	}
	for _, a := range aliases {
		if id, ok := s.aliases[a]; ok {
			return s.identities[id], nil
		}
	}
	return nil, nil
}

func (s *fakeIdentityStore) CreateIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error {
	s.creates++
	if s.failCreates > 0 {
		s.failCreates--
		return &pgconn.PgError{Code: "23505"}
	}
	identity.ID = uuid.NewString()
	s.identities[identity.ID] = identity
	for _, a := range aliases {
		s.aliases[a] = identity.ID
	}
	return nil
}

func (s *fakeIdentityStore) MergeIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error {
	s.merges++
	existing := s.identities[identity.ID]
	if existing.InvestorNumber == "" {
		existing.InvestorNumber = identity.InvestorNumber
	}
	if existing.MERSID == "" {
		existing.MERSID = identity.MERSID
	}
	if existing.ServicerNumber == "" {
		existing.ServicerNumber = identity.ServicerNumber
	}
	for _, a := range aliases {
		s.aliases[a] = identity.ID
	}
	return nil
}

func TestResolveOrCreateNew(t *testing.T) {
	st := newFakeIdentityStore()
	r := NewResolver(st)

	id, err := r.ResolveOrCreate(context.Background(), model.AliasSet{
		ServicerNumber: "S-100",
		LoanNumber:     "L-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	created := st.identities[id]
	assert.Equal(t, "S-100", created.LoanNumber, "canonical is highest-priority alias")
	assert.Equal(t, "S-100", created.ServicerNumber)
}

func TestResolveOrCreateMatchesAnyAlias(t *testing.T) {
	st := newFakeIdentityStore()
	r := NewResolver(st)

	first, err := r.ResolveOrCreate(context.Background(), model.AliasSet{ServicerNumber: "S-100"})
	require.NoError(t, err)

	// A later report knows the loan by a different identifier plus the
	// shared one; it must resolve to the same identity.
	second, err := r.ResolveOrCreate(context.Background(), model.AliasSet{
		InvestorNumber: "I-7",
		ServicerNumber: "S-100",
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, st.creates)
	assert.Equal(t, 1, st.merges)

	// The merge filled the previously unknown alias and canonical is
	// unchanged.
	got := st.identities[first]
	assert.Equal(t, "I-7", got.InvestorNumber)
	assert.Equal(t, "S-100", got.LoanNumber)

	// Now the new alias alone finds the loan.
	third, err := r.ResolveOrCreate(context.Background(), model.AliasSet{InvestorNumber: "I-7"})
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestResolveOrCreateNoAliases(t *testing.T) {
	r := NewResolver(newFakeIdentityStore())
	_, err := r.ResolveOrCreate(context.Background(), model.AliasSet{})
	assert.ErrorIs(t, err, ErrNoAliases)
}

func TestResolveOrCreateRetriesLostRace(t *testing.T) {
	st := newFakeIdentityStore()

	// A concurrent resolver already created the row, but our first
	// lookup ran before it committed. The create then hits the unique
	// violation; the retry's lookup finds the winner and merges.
	winner := &model.LoanIdentity{ID: uuid.NewString(), LoanNumber: "S-100"}
	st.identities[winner.ID] = winner
	st.aliases["S-100"] = winner.ID
	st.hideAliasesOnce = true
	st.failCreates = 1

	r := NewResolver(st)
	r.retry.InitialBackoff = 1 // keep the test fast

	id, err := r.ResolveOrCreate(context.Background(), model.AliasSet{ServicerNumber: "S-100"})
	require.NoError(t, err)
	assert.Equal(t, winner.ID, id)
	assert.Equal(t, 1, st.creates, "exactly one failed create before the retry resolved")
	assert.Equal(t, 1, st.merges)
}
