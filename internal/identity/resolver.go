// Package identity collapses the loan-number aliases carried by
// different servicing reports into one canonical loan record.
package identity

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/servicing-import/internal/model"
	"github.com/sells-group/servicing-import/internal/resilience"
)

// ErrNoAliases is returned when a row carries no usable identifier.
var ErrNoAliases = eris.New("identity: no aliases supplied")

// Store is the persistence surface the resolver needs.
type Store interface {
	FindIdentityByAliases(ctx context.Context, aliases []string) (*model.LoanIdentity, error)
	CreateIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error
	MergeIdentity(ctx context.Context, identity *model.LoanIdentity, aliases []string) error
}

// Resolver finds or creates canonical loan identities.
type Resolver struct {
	store Store
	retry resilience.RetryConfig
	log   *zap.Logger
}

// NewResolver creates a loan identity resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store: store,
		retry: resilience.DefaultRetryConfig(),
		log:   zap.L().With(zap.String("component", "identity")),
	}
}

// ResolveOrCreate returns the identity id for the supplied alias set,
// creating the identity if no alias matches.
//
// Lookup matches if any supplied alias equals any stored alias field,
// so a loan is found by whichever identifier a given report happens to
// carry. On match, previously-null alias fields are filled in from the
// new sighting; the canonical number is never changed. On no match, a
// new identity is created with the first non-empty alias as canonical.
//
// Creation is safe under concurrent resolution of the same alias: a
// lost race surfaces as a unique violation, classified transient, and
// the retry finds the winner's row and merges into it.
func (r *Resolver) ResolveOrCreate(ctx context.Context, aliases model.AliasSet) (string, error) {
	values := aliases.NonEmpty()
	if len(values) == 0 {
		return "", ErrNoAliases
	}

	cfg := r.retry
	cfg.OnRetry = resilience.RetryLogger("identity", "resolve_or_create")

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		existing, err := r.store.FindIdentityByAliases(ctx, values)
		if err != nil {
			return "", eris.Wrap(err, "identity: lookup by aliases")
		}

		if existing != nil {
			merged := &model.LoanIdentity{
				ID:                  existing.ID,
				InvestorNumber:      aliases.InvestorNumber,
				MERSID:              aliases.MERSID,
				SellerNumber:        aliases.SellerNumber,
				ServicerNumber:      aliases.ServicerNumber,
				PriorServicerNumber: aliases.PriorServicerNumber,
			}
			if err := r.store.MergeIdentity(ctx, merged, values); err != nil {
				return "", eris.Wrap(err, "identity: merge")
			}
			r.log.Debug("matched existing identity",
				zap.String("loan_id", existing.ID),
				zap.Int("aliases", len(values)),
			)
			return existing.ID, nil
		}

		created := &model.LoanIdentity{
			LoanNumber:          aliases.Canonical(),
			InvestorNumber:      aliases.InvestorNumber,
			MERSID:              aliases.MERSID,
			SellerNumber:        aliases.SellerNumber,
			ServicerNumber:      aliases.ServicerNumber,
			PriorServicerNumber: aliases.PriorServicerNumber,
		}
		if err := r.store.CreateIdentity(ctx, created, values); err != nil {
			return "", eris.Wrap(err, "identity: create")
		}

		r.log.Info("created loan identity",
			zap.String("loan_id", created.ID),
			zap.String("loan_number", created.LoanNumber),
		)
		return created.ID, nil
	})
}
