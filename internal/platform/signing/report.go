// Package signing verifies consumption reports attested off-ledger by a
// content platform. Reports are EIP-712 typed data signed with the
// platform's secp256k1 key, so a user can relay a platform-validated
// report without the platform holding a session with the ledger.
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformedSignature = errors.New("signing: malformed signature")
	ErrRecoverFailed      = errors.New("signing: cannot recover signer")
)

var (
	domainTypeHash = crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	reportTypeHash = crypto.Keccak256([]byte("ConsumptionReport(string userId,string contentId,uint256 deltaMs,uint256 reportedAtMs,uint256 deadlineMs,string reportId)"))
)

// Domain separates attestations of one ledger deployment from any other.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// NewDomain builds the deployment domain. contract may be empty.
func NewDomain(chainID int64, contract string) Domain {
	d := Domain{Name: "ConsumptionLedger", Version: "1", ChainID: chainID}
	if common.IsHexAddress(contract) {
		d.VerifyingContract = common.HexToAddress(contract)
	}
	return d
}

// Separator is the EIP-712 domain separator hash.
func (d Domain) Separator() []byte {
	return crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		word(big.NewInt(d.ChainID)),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// Report is the attested payload. ReportedAtMs of zero means the report
// carries no client timestamp.
type Report struct {
	UserID       string `json:"user_id"`
	ContentID    string `json:"content_id"`
	DeltaMs      int64  `json:"delta_ms"`
	ReportedAtMs int64  `json:"reported_at_ms,omitempty"`
	DeadlineMs   int64  `json:"deadline_ms"`
	ReportID     string `json:"report_id,omitempty"`
}

func (r Report) structHash() []byte {
	return crypto.Keccak256(
		reportTypeHash,
		crypto.Keccak256([]byte(r.UserID)),
		crypto.Keccak256([]byte(r.ContentID)),
		word(new(big.Int).SetInt64(r.DeltaMs)),
		word(new(big.Int).SetInt64(r.ReportedAtMs)),
		word(new(big.Int).SetInt64(r.DeadlineMs)),
		crypto.Keccak256([]byte(r.ReportID)),
	)
}

// Digest is the 32-byte hash a reporter signs for r under d.
func Digest(d Domain, r Report) []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, d.Separator(), r.structHash())
}

// Sign produces a 65-byte [R || S || V] signature with V in {27, 28}.
func Sign(key *ecdsa.PrivateKey, d Domain, r Report) ([]byte, error) {
	sig, err := crypto.Sign(Digest(d, r), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed r under d. Both {0,1} and
// {27,28} recovery ids are accepted.
func Recover(d Domain, r Report, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	if s[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, sig[crypto.RecoveryIDOffset])
	}
	pub, err := crypto.SigToPub(Digest(d, r), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrRecoverFailed, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(raw string) ([]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return b, nil
}

// NormalizeIdentity canonicalises identities so that an Ethereum address
// compares equal regardless of hex case. Other identities are only trimmed.
func NormalizeIdentity(id string) string {
	id = strings.TrimSpace(id)
	if common.IsHexAddress(id) && strings.HasPrefix(strings.ToLower(id), "0x") {
		return common.HexToAddress(id).Hex()
	}
	return id
}

// Fingerprint hashes parts into a stable hex key. Parts are length
// prefixed so that ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	buf := make([][]byte, 0, len(parts)*2)
	for _, p := range parts {
		buf = append(buf, word(big.NewInt(int64(len(p)))), []byte(p))
	}
	return crypto.Keccak256Hash(buf...).Hex()
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}
