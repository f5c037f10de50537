package cow

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"agent-trader/internal/queue"
)

const (
	domainName    = "Gnosis Protocol"
	domainVersion = "v2"

	// SigningScheme 是订单签名方式。
	SigningScheme = "eip712"
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
		{Name: "kind", Type: "string"},
		{Name: "partiallyFillable", Type: "bool"},
		{Name: "sellTokenBalance", Type: "string"},
		{Name: "buyTokenBalance", Type: "string"},
	},
}

// Signer 按结算合约的 EIP-712 域对订单签名。
type Signer struct {
	domain apitypes.TypedDataDomain
}

// NewSigner 创建签名器。
func NewSigner(chainID int64, settlement string) *Signer {
	return &Signer{
		domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(settlement).Hex(),
		},
	}
}

// TypedData 构造订单的 EIP-712 结构化数据。
func (s *Signer) TypedData(order queue.SignedOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain:      s.domain,
		Message: apitypes.TypedDataMessage{
			"sellToken":         common.HexToAddress(order.SellToken).Hex(),
			"buyToken":          common.HexToAddress(order.BuyToken).Hex(),
			"receiver":          common.HexToAddress(order.Receiver).Hex(),
			"sellAmount":        order.SellAmount,
			"buyAmount":         order.BuyAmount,
			"validTo":           new(big.Int).SetUint64(uint64(order.ValidTo)).String(),
			"appData":           common.HexToHash(order.AppData).Hex(),
			"feeAmount":         order.FeeAmount,
			"kind":              order.Kind,
			"partiallyFillable": order.PartiallyFillable,
			"sellTokenBalance":  order.SellTokenBalance,
			"buyTokenBalance":   order.BuyTokenBalance,
		},
	}
}

// Hash 返回订单的 EIP-712 摘要。
func (s *Signer) Hash(order queue.SignedOrder) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(s.TypedData(order))
	if err != nil {
		return nil, fmt.Errorf("cow: 计算订单摘要失败: %w", err)
	}
	return hash, nil
}

// Sign 对订单签名，返回 65 字节、v 为 27/28 的十六进制签名。
func (s *Signer) Sign(order queue.SignedOrder, key *ecdsa.PrivateKey) (string, error) {
	hash, err := s.Hash(order)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("cow: 订单签名失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover 从签名中恢复签名地址。
func (s *Signer) Recover(order queue.SignedOrder, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("cow: 签名格式错误: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("cow: 签名长度错误: %d", len(sig))
	}
	hash, err := s.Hash(order)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("cow: 恢复签名地址失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
