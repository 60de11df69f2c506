package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/sitevault-cli/internal/model"
)

var keyFolder = cases.Fold()

// NaturalKey builds the canonical vault identity for a fact: the case-folded
// subject and category joined with a slash. Identical facts always map to
// the same key regardless of input casing or stray whitespace.
func NaturalKey(competitorID, fieldKey string) string {
	subject := keyFolder.String(strings.TrimSpace(competitorID))
	category := keyFolder.String(strings.TrimSpace(fieldKey))
	return subject + "/" + category
}

// versionPayload is the canonical content the version hash covers. Field
// order is fixed by the struct; map values inside observations are sorted by
// encoding/json, so identical content always serializes identically.
type versionPayload struct {
	NaturalKey   string              `json:"natural_key"`
	Source       model.Source        `json:"source"`
	Confidence   float64             `json:"confidence"`
	Observations []model.Observation `json:"observations"`
}

// CanonicalPayload serializes the vault-relevant content of an addendum in
// canonical form.
func CanonicalPayload(a *model.VaultAddendum) ([]byte, error) {
	p := versionPayload{
		NaturalKey:   NaturalKey(a.CompetitorID, a.FieldKey),
		Source:       a.Source,
		Confidence:   a.Confidence,
		Observations: a.Observations,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "vault: marshal canonical payload")
	}
	return b, nil
}

// VersionHash computes the deterministic content hash used as the vault
// version identifier: hex SHA-256 over the canonical payload.
func VersionHash(a *model.VaultAddendum) (string, []byte, error) {
	payload, err := CanonicalPayload(a)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), payload, nil
}
