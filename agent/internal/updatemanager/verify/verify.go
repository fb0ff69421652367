package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/manifest"
)

const opVerify = "verify"

// natively signed formats carry an embedded code-signing certificate
var signedBinaryExtensions = map[string]struct{}{
	".exe":  {},
	".msi":  {},
	".msix": {},
}

// CertificateVerifier checks the embedded code-signing certificate of a signed binary
type CertificateVerifier interface {
	VerifyThumbprint(path, thumbprint string) error
}

// HashMismatchError reports both digests for diagnostics. Only equality is trusted.
type HashMismatchError struct {
	Expected string
	Computed string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("sha256 mismatch: expected %s, computed %s", e.Expected, e.Computed)
}

// Verifier validates a downloaded package against the release manifest
type Verifier struct {
	publicKey  *rsa.PublicKey
	thumbprint string
	certs      CertificateVerifier
	log        *log.Entry
}

// New parses the optional PEM public key. An empty key disables signature checks and an
// empty thumbprint disables certificate pinning. A nil certs verifier rejects every
// signed binary when a thumbprint is configured.
func New(publicKeyPEM, thumbprint string, certs CertificateVerifier, logger *log.Entry) (*Verifier, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if certs == nil {
		certs = unavailableCertVerifier{}
	}

	v := &Verifier{
		thumbprint: normalizeThumbprint(thumbprint),
		certs:      certs,
		log:        logger.WithField("component", "verify"),
	}

	if strings.TrimSpace(publicKeyPEM) != "" {
		key, err := ParsePublicKey([]byte(publicKeyPEM))
		if err != nil {
			return nil, agenterrors.New(agenterrors.KindConfig, "parse public key", err)
		}
		v.publicKey = key
	}
	return v, nil
}

// VerifyFile verifies the file at path and deletes it when verification fails
func (v *Verifier) VerifyFile(path string, m manifest.Release) error {
	err := v.verifyFile(path, m)
	if err == nil {
		return nil
	}

	if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
		v.log.Warnf("failed to remove rejected package %s: %v", path, rerr)
	}
	return err
}

func (v *Verifier) verifyFile(path string, m manifest.Release) error {
	f, err := os.Open(path)
	if err != nil {
		return agenterrors.New(agenterrors.KindIO, opVerify, fmt.Errorf("open package: %w", err))
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			v.log.Debugf("error closing %s: %v", path, cerr)
		}
	}()

	return v.Verify(f, path, m)
}

// Verify hashes the whole stream and checks, in order: the mandatory sha256, the optional
// signature over the hash bytes and, for signed binary formats, the certificate thumbprint.
// fileName selects the certificate check and is handed to the CertificateVerifier.
func (v *Verifier) Verify(r io.Reader, fileName string, m manifest.Release) error {
	expected := strings.TrimSpace(m.SHA256)
	if expected == "" {
		return agenterrors.Newf(agenterrors.KindVerification, opVerify, "manifest missing hash")
	}

	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return agenterrors.New(agenterrors.KindIO, opVerify, fmt.Errorf("read package: %w", err))
	}
	digest := h.Sum(nil)

	computed := hex.EncodeToString(digest)
	if !strings.EqualFold(expected, computed) {
		return agenterrors.New(agenterrors.KindVerification, opVerify, &HashMismatchError{Expected: expected, Computed: computed})
	}

	if err := v.verifySignature(digest, m.Signature); err != nil {
		return err
	}

	if err := v.verifyCertificate(fileName); err != nil {
		return err
	}

	v.log.Debugf("package %s verified, sha256 %s", filepath.Base(fileName), computed)
	return nil
}

func (v *Verifier) verifySignature(digest []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	switch {
	case v.publicKey == nil && signature == "":
		return nil
	case v.publicKey == nil:
		v.log.Debugf("manifest is signed but no public key is configured, skipping signature check")
		return nil
	case signature == "":
		v.log.Warnf("public key is configured but the manifest carries no signature, skipping signature check")
		return nil
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return agenterrors.New(agenterrors.KindVerification, opVerify, fmt.Errorf("decode signature: %w", err))
	}

	// the signed message is the raw digest, itself hashed with SHA-256 by the signer
	hashed := sha256.Sum256(digest)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hashed[:], sig); err != nil {
		return agenterrors.New(agenterrors.KindVerification, opVerify, fmt.Errorf("invalid signature: %w", err))
	}
	return nil
}

func (v *Verifier) verifyCertificate(fileName string) error {
	if v.thumbprint == "" || !IsSignedBinary(fileName) {
		return nil
	}

	if err := v.certs.VerifyThumbprint(fileName, v.thumbprint); err != nil {
		return agenterrors.New(agenterrors.KindVerification, opVerify, fmt.Errorf("certificate check: %w", err))
	}
	return nil
}

// IsSignedBinary reports whether the file extension denotes a natively signed format
func IsSignedBinary(fileName string) bool {
	_, ok := signedBinaryExtensions[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

// ParsePublicKey accepts a PKIX "PUBLIC KEY" or a PKCS#1 "RSA PUBLIC KEY" PEM block
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("expected RSA public key, got %T", pub)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func normalizeThumbprint(t string) string {
	t = strings.ReplaceAll(t, ":", "")
	t = strings.ReplaceAll(t, " ", "")
	return strings.ToUpper(strings.TrimSpace(t))
}

type unavailableCertVerifier struct{}

func (unavailableCertVerifier) VerifyThumbprint(path, _ string) error {
	return fmt.Errorf("no code-signing certificate verifier available for %s", filepath.Base(path))
}
