package api

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"Patron-Relay/internal/account"
	xerrors "Patron-Relay/internal/errors"
	"Patron-Relay/internal/relay"
	"Patron-Relay/internal/sponsor"
)

// operationPayload is the wire form of an operation. Addresses and byte
// fields travel as 0x-prefixed hex strings, big integers as decimal strings.
type operationPayload struct {
	Sender               string `json:"sender"`
	Target               string `json:"target"`
	Value                string `json:"value,omitempty"`
	Payload              string `json:"payload,omitempty"`
	Nonce                uint64 `json:"nonce"`
	GasLimit             uint64 `json:"gas_limit"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
	Sponsor              string `json:"sponsor,omitempty"`
	SponsorData          string `json:"sponsor_data,omitempty"`
	Signature            string `json:"signature"`
}

func (p *operationPayload) toOperation() (*account.Operation, error) {
	sender, err := parseAddress("sender", p.Sender)
	if err != nil {
		return nil, err
	}
	target, err := parseAddress("target", p.Target)
	if err != nil {
		return nil, err
	}
	op := &account.Operation{
		Sender:   sender,
		Target:   target,
		Nonce:    p.Nonce,
		GasLimit: p.GasLimit,
	}
	if op.Value, err = parseBig("value", p.Value); err != nil {
		return nil, err
	}
	if op.MaxFeePerGas, err = parseBig("max_fee_per_gas", p.MaxFeePerGas); err != nil {
		return nil, err
	}
	if op.MaxPriorityFeePerGas, err = parseBig("max_priority_fee_per_gas", p.MaxPriorityFeePerGas); err != nil {
		return nil, err
	}
	if op.Payload, err = parseBytes("payload", p.Payload); err != nil {
		return nil, err
	}
	if op.SponsorData, err = parseBytes("sponsor_data", p.SponsorData); err != nil {
		return nil, err
	}
	if op.Signature, err = parseBytes("signature", p.Signature); err != nil {
		return nil, err
	}
	if p.Sponsor != "" {
		if op.Sponsor, err = parseAddress("sponsor", p.Sponsor); err != nil {
			return nil, err
		}
	}
	return op, nil
}

type submitRequest struct {
	Operations []operationPayload `json:"operations"`
}

type submitResponse struct {
	Submissions []*relay.Submission `json:"submissions"`
}

type simulateRequest struct {
	Operation operationPayload `json:"operation"`
}

type simulateResponse struct {
	Receipt   *relay.Receipt     `json:"receipt"`
	Admission *sponsor.Admission `json:"admission,omitempty"`
}

type delegateRequest struct {
	Owner   string `json:"owner"`
	Sponsor string `json:"sponsor,omitempty"`
}

type accountResponse struct {
	Address   string             `json:"address"`
	Owner     string             `json:"owner"`
	Sponsor   string             `json:"sponsor,omitempty"`
	Schema    uint8              `json:"schema"`
	Nonce     uint64             `json:"nonce"`
	Allowance *sponsor.Allowance `json:"allowance,omitempty"`
	Policy    *sponsor.Policy    `json:"policy,omitempty"`
}

type whitelistRequest struct {
	Allowed bool `json:"allowed"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, field+" is not a valid address")
	}
	return common.HexToAddress(value), nil
}

func parseBytes(field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	data, err := hexutil.Decode(value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, field+" is not valid hex data")
	}
	return data, nil
}

func parseBig(field, value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, field+" is not a valid decimal amount")
	}
	return n, nil
}
