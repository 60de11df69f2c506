package vault

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/store"
)

// ErrNotPromotable is returned when an addendum fails a promotion
// precondition. The wrap message names the first precondition that failed.
var ErrNotPromotable = eris.New("vault: addendum not promotable")

// PromoteResult reports what a promotion call did. Written is false when the
// vault already held this exact content as latest, or when the addendum had
// already been promoted.
type PromoteResult struct {
	AddendumID      string `json:"addendum_id"`
	NaturalKey      string `json:"natural_key"`
	VersionHash     string `json:"version_hash"`
	Written         bool   `json:"written"`
	AlreadyPromoted bool   `json:"already_promoted"`
}

// Promoter moves staged addenda into the versioned vault.
type Promoter struct {
	store store.Store
	log   *zap.Logger
}

func NewPromoter(st store.Store) *Promoter {
	return &Promoter{
		store: st,
		log:   zap.L().With(zap.String("component", "promoter")),
	}
}

// Promote checks the promotion preconditions for the addendum and, if they
// all hold, writes a new vault version and stamps the addendum promoted.
// Re-promoting an already-promoted addendum is a no-op that replays the
// original result.
func (p *Promoter) Promote(ctx context.Context, addendumID string) (*PromoteResult, error) {
	a, err := p.store.GetAddendum(ctx, addendumID)
	if err != nil {
		return nil, eris.Wrapf(err, "promote: load addendum %s", addendumID)
	}

	naturalKey := NaturalKey(a.CompetitorID, a.FieldKey)

	if a.Validation == model.ValidationPromoted {
		return &PromoteResult{
			AddendumID:      a.ID,
			NaturalKey:      naturalKey,
			VersionHash:     a.VersionHash,
			Written:         false,
			AlreadyPromoted: true,
		}, nil
	}

	// Preconditions are checked in a fixed order and the first failure is
	// the one reported.
	if a.Validation != model.ValidationValidated {
		return nil, eris.Wrapf(ErrNotPromotable, "validation status is %q", a.Validation)
	}
	if !a.Complete {
		return nil, eris.Wrap(ErrNotPromotable, "addendum is incomplete")
	}
	if a.Disqualified {
		return nil, eris.Wrap(ErrNotPromotable, "addendum is disqualified")
	}

	hash, payload, err := VersionHash(a)
	if err != nil {
		return nil, err
	}

	rec := &model.VaultRecord{
		NaturalKey:  naturalKey,
		VersionHash: hash,
		Payload:     payload,
		Source:      a.Source,
		Confidence:  a.Confidence,
		CollectedAt: a.BuiltAt,
	}

	written, err := p.store.WriteVaultVersion(ctx, rec)
	if err != nil {
		return nil, eris.Wrapf(err, "promote: write vault version for %s", naturalKey)
	}

	if err := p.store.MarkAddendumPromoted(ctx, a.ID, hash); err != nil {
		return nil, eris.Wrapf(err, "promote: mark addendum %s promoted", a.ID)
	}

	p.log.Info("addendum promoted",
		zap.String("addendum_id", a.ID),
		zap.String("natural_key", naturalKey),
		zap.String("version_hash", hash),
		zap.Bool("written", written))

	return &PromoteResult{
		AddendumID:  a.ID,
		NaturalKey:  naturalKey,
		VersionHash: hash,
		Written:     written,
	}, nil
}
