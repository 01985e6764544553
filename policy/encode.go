package policy

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Addresses of the on-chain policy contracts consulted by the session module.
type Addresses struct {
	Sudo           common.Address `json:"sudo"`
	TimeFrame      common.Address `json:"timeFrame"`
	ValueLimit     common.Address `json:"valueLimit"`
	SpendingLimits common.Address `json:"spendingLimits"`
}

// DefaultAddresses are the canonical deployments, identical on every chain.
func DefaultAddresses() Addresses {
	return Addresses{
		Sudo:           common.HexToAddress("0x0000003111cD8e92337C100F22B7A9dbf8DEE301"),
		TimeFrame:      common.HexToAddress("0x8177451511dE0577b911C254E9551D981C26dc72"),
		ValueLimit:     common.HexToAddress("0x730DA93267E7E513e932301B47F2ac7D062abC83"),
		SpendingLimits: common.HexToAddress("0x00000088D48cF102A8Cdb0137A9b173f957c6343"),
	}
}

// Data is a policy as the session module stores it.
type Data struct {
	Policy   common.Address `abi:"policy"`
	InitData []byte         `abi:"initData"`
}

var (
	uint256Ty, _   = abi.NewType("uint256", "", nil)
	addressesTy, _ = abi.NewType("address[]", "", nil)
	uint256sTy, _  = abi.NewType("uint256[]", "", nil)

	valueLimitArgs     = abi.Arguments{{Type: uint256Ty}}
	spendingLimitsArgs = abi.Arguments{{Type: addressesTy}, {Type: uint256sTy}}
)

// Encode converts p into the module's (policy, initData) pair.
func Encode(p Policy, addrs Addresses) (Data, error) {
	switch p := p.(type) {
	case TimeFrame:
		// packed (uint48 validUntil, uint48 validAfter)
		data := make([]byte, 12)
		putUint48(data[:6], p.ValidUntil)
		putUint48(data[6:], p.ValidAfter)
		return Data{Policy: addrs.TimeFrame, InitData: data}, nil
	case ValueLimit:
		data, err := valueLimitArgs.Pack(p.Limit)
		if err != nil {
			return Data{}, fmt.Errorf("encode value limit: %w", err)
		}
		return Data{Policy: addrs.ValueLimit, InitData: data}, nil
	case SpendingLimits:
		tokens := make([]common.Address, len(p.Limits))
		limits := make([]*big.Int, len(p.Limits))
		for i, l := range p.Limits {
			tokens[i] = l.Token
			limits[i] = l.Limit
		}
		data, err := spendingLimitsArgs.Pack(tokens, limits)
		if err != nil {
			return Data{}, fmt.Errorf("encode spending limits: %w", err)
		}
		return Data{Policy: addrs.SpendingLimits, InitData: data}, nil
	case Sudo:
		return Data{Policy: addrs.Sudo, InitData: []byte{}}, nil
	default:
		return Data{}, fmt.Errorf("unsupported policy %T", p)
	}
}

// EncodeAll encodes ps in order.
func EncodeAll(ps []Policy, addrs Addresses) ([]Data, error) {
	out := make([]Data, 0, len(ps))
	for _, p := range ps {
		d, err := Encode(p, addrs)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func putUint48(dst []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(dst, buf[2:])
}
