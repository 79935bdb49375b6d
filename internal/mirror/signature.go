package mirror

import (
	"os"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
)

// Verifier checks armored detached signatures (the .asc files PyPI serves
// next to signed uploads) against one public key.
type Verifier struct {
	pgp *crypto.PGPHandle
	key *crypto.Key
}

// NewVerifier parses an armored public key.
func NewVerifier(armored []byte) (*Verifier, error) {
	key, err := crypto.NewKeyFromArmored(string(armored))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse PGP key")
	}
	return &Verifier{pgp: crypto.PGP(), key: key}, nil
}

// LoadVerifier reads the armored public key at path.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path) // #nosec G304 - pgp_key_path is operator configuration
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read PGP key file: %s", path)
	}
	v, err := NewVerifier(data)
	if err != nil {
		return nil, errors.Wrapf(err, "pgp_key_path %s", path)
	}
	return v, nil
}

// KeyID returns the hex ID of the verification key.
func (v *Verifier) KeyID() string {
	return v.key.GetHexKeyID()
}

// VerifyDetached checks that sig is a valid signature of data.
func (v *Verifier) VerifyDetached(data, sig []byte) error {
	verifier, err := v.pgp.Verify().VerificationKey(v.key).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}
	verifyResult, err := verifier.VerifyDetached(data, sig, crypto.Armor)
	if err != nil {
		return errors.Wrap(err, "PGP signature verification failed")
	}
	if sigErr := verifyResult.SignatureError(); sigErr != nil {
		return errors.Wrap(sigErr, "PGP signature verification failed")
	}
	return nil
}

// VerifyFile checks the detached signature in sigPath against the file at path.
func (v *Verifier) VerifyFile(path, sigPath string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path is a storage temp file
	if err != nil {
		return err
	}
	sig, err := os.ReadFile(sigPath) // #nosec G304 - path is a storage temp file
	if err != nil {
		return err
	}
	return v.VerifyDetached(data, sig)
}
