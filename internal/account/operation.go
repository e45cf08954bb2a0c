package account

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Patron-Relay/internal/errors"
)

// Operation is a signed, nonce-ordered instruction to invoke a target on
// behalf of a principal. It is constructed by the principal's client and is
// never persisted beyond execution.
type Operation struct {
	Sender               common.Address
	Target               common.Address
	Value                *big.Int
	Payload              []byte
	Nonce                uint64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Sponsor              common.Address
	SponsorData          []byte
	Signature            []byte
}

// Validate performs structural checks that do not need account state.
func (op *Operation) Validate() error {
	if op == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation is nil")
	}
	if op.Sender == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation sender is empty")
	}
	if op.GasLimit == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation gas limit is zero")
	}
	if op.MaxFeePerGas == nil || op.MaxFeePerGas.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation max fee per gas must be positive")
	}
	if op.MaxPriorityFeePerGas != nil && op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "priority fee exceeds max fee")
	}
	return nil
}

// Hash binds every field except the signature to the executing account and
// chain, preventing cross-account and cross-chain replay.
func (op *Operation) Hash(account common.Address, chainID *big.Int) common.Hash {
	var buf bytes.Buffer
	buf.Write(op.Sender.Bytes())
	buf.Write(op.Target.Bytes())
	buf.Write(padBig(op.Value))
	buf.Write(crypto.Keccak256(op.Payload))
	buf.Write(padUint64(op.Nonce))
	buf.Write(padUint64(op.GasLimit))
	buf.Write(padBig(op.MaxFeePerGas))
	buf.Write(padBig(op.MaxPriorityFeePerGas))
	buf.Write(op.Sponsor.Bytes())
	buf.Write(crypto.Keccak256(op.SponsorData))
	buf.Write(account.Bytes())
	buf.Write(padBig(chainID))
	return crypto.Keccak256Hash(buf.Bytes())
}

// Sign computes the operation hash for the given account and chain and
// attaches a 65-byte secp256k1 signature over its EIP-191 digest.
func (op *Operation) Sign(key *ecdsa.PrivateKey, account common.Address, chainID *big.Int) error {
	digest := accounts.TextHash(op.Hash(account, chainID).Bytes())
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "sign operation")
	}
	op.Signature = sig
	return nil
}

// RecoverSigner returns the address that signed the operation for the given
// account and chain context.
func (op *Operation) RecoverSigner(account common.Address, chainID *big.Int) (common.Address, error) {
	if len(op.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, op.Signature)
	// Accept both the raw {0,1} recovery id and the legacy {27,28} form.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	digest := accounts.TextHash(op.Hash(account, chainID).Bytes())
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// CostCap returns the worst-case fee of the operation in wei units,
// gasLimit * maxFeePerGas. The boolean is false on uint64 overflow, which
// admission treats as exceeding any budget.
func (op *Operation) CostCap() (uint64, bool) {
	return mulCost(op.GasLimit, op.MaxFeePerGas)
}

// CostAt prices an actual gas amount at the operation's max fee.
func (op *Operation) CostAt(gasUsed uint64) (uint64, bool) {
	return mulCost(gasUsed, op.MaxFeePerGas)
}

func mulCost(gas uint64, price *big.Int) (uint64, bool) {
	if price == nil || price.Sign() <= 0 {
		return 0, false
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
	if !cost.IsUint64() {
		return 0, false
	}
	return cost.Uint64(), true
}

func padBig(n *big.Int) []byte {
	if n == nil {
		n = new(big.Int)
	}
	return common.LeftPadBytes(n.Bytes(), 32)
}

func padUint64(n uint64) []byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], n)
	return common.LeftPadBytes(raw[:], 32)
}
