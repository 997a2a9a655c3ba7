package staking

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// CustodyPrefix marks addresses whose balance is held by the ledger.
const CustodyPrefix = "custody:"

const custodySeed = "user_stake"

var ErrNoCustodyAddress = errors.New("no valid custody bump for owner")

// Transfer describes a single movement of value.
type Transfer struct {
	From   string
	To     string
	Amount uint64
	// Auth is required when From is a custody address.
	Auth *Authorization
}

// Transferrer moves value between addresses. Implementations decide how
// balances are stored; the engine only needs success or failure.
type Transferrer interface {
	Transfer(ctx context.Context, t Transfer) error
}

// Authorization lets the ledger spend from a custody address without a user
// signature. It is bound to one source address, owner and amount.
type Authorization struct {
	Source string
	Owner  string
	Amount uint64
	Proof  []byte
}

// Custodian issues and checks authorizations for custody addresses.
type Custodian interface {
	Derive(owner string) (address string, bump uint8, err error)
	Address(owner string, bump uint8) string
	AuthorizeOutgoing(rec Record, amount uint64) (*Authorization, error)
	Verify(auth *Authorization, source string, amount uint64) error
}

// DerivedCustodian derives custody addresses from the owner and a
// deployment-wide program identity using blake2b.
type DerivedCustodian struct {
	ProgramID string
}

// NewDerivedCustodian returns a custodian scoped to programID.
func NewDerivedCustodian(programID string) *DerivedCustodian {
	return &DerivedCustodian{ProgramID: programID}
}

// Derive returns the canonical custody address for owner: the first bump,
// counting down from 255, whose digest has the high bit clear.
func (c *DerivedCustodian) Derive(owner string) (string, uint8, error) {
	for b := 255; b >= 0; b-- {
		digest := c.digest(owner, uint8(b))
		if digest[0]&0x80 == 0 {
			return CustodyPrefix + hex.EncodeToString(digest[:]), uint8(b), nil
		}
	}
	return "", 0, ErrNoCustodyAddress
}

// Address returns the custody address for a known bump.
func (c *DerivedCustodian) Address(owner string, bump uint8) string {
	digest := c.digest(owner, bump)
	return CustodyPrefix + hex.EncodeToString(digest[:])
}

// AuthorizeOutgoing signs a spend of amount from rec's custody address.
func (c *DerivedCustodian) AuthorizeOutgoing(rec Record, amount uint64) (*Authorization, error) {
	if rec.Owner == "" {
		return nil, &Error{Kind: KindUnauthorized}
	}
	source := c.Address(rec.Owner, rec.Bump)
	return &Authorization{
		Source: source,
		Owner:  rec.Owner,
		Amount: amount,
		Proof:  c.proof(source, rec.Owner, amount),
	}, nil
}

// Verify checks that auth permits spending amount from source.
func (c *DerivedCustodian) Verify(auth *Authorization, source string, amount uint64) error {
	if auth == nil || auth.Source != source || auth.Amount != amount {
		return &Error{Kind: KindUnauthorized, Op: "custody authorization", Amount: amount}
	}
	want := c.proof(source, auth.Owner, amount)
	if subtle.ConstantTimeCompare(want, auth.Proof) != 1 {
		return &Error{Kind: KindUnauthorized, Op: "custody proof", Amount: amount, Owner: auth.Owner}
	}
	return nil
}

// IsCustodyAddress reports whether addr was produced by a custodian.
func IsCustodyAddress(addr string) bool {
	return strings.HasPrefix(addr, CustodyPrefix)
}

func (c *DerivedCustodian) digest(owner string, bump uint8) [32]byte {
	buf := make([]byte, 0, len(custodySeed)+len(owner)+1+len(c.ProgramID))
	buf = append(buf, custodySeed...)
	buf = append(buf, owner...)
	buf = append(buf, bump)
	buf = append(buf, c.ProgramID...)
	return blake2b.Sum256(buf)
}

func (c *DerivedCustodian) proof(source, owner string, amount uint64) []byte {
	key := blake2b.Sum256([]byte(c.ProgramID))
	// a 32-byte key is always accepted
	h, _ := blake2b.New256(key[:])
	h.Write([]byte(source))
	h.Write([]byte(owner))
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	h.Write(amt[:])
	return h.Sum(nil)
}
