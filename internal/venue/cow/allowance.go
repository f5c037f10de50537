package cow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"agent-trader/internal/venue"
)

const erc20ABI = `[
{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// maxUint256 为无限授权额度。
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Backend 是授权管理所需的链上接口，*ethclient.Client 满足该接口。
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// AllowanceManager 确保结算合约的 vault relayer 拥有足够的卖出代币授权。
type AllowanceManager struct {
	backend     Backend
	spender     common.Address
	chainID     *big.Int
	waitTimeout time.Duration
	erc20       abi.ABI
	logger      *zap.Logger
}

// NewAllowanceManager 创建授权管理器。
func NewAllowanceManager(backend Backend, spender string, chainID int64, waitTimeout time.Duration, logger *zap.Logger) (*AllowanceManager, error) {
	if backend == nil {
		return nil, fmt.Errorf("cow: 链上后端不能为空")
	}
	if !common.IsHexAddress(spender) {
		return nil, fmt.Errorf("cow: 无效的授权地址 %q", spender)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if waitTimeout <= 0 {
		waitTimeout = 2 * time.Minute
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("cow: 解析 ERC20 ABI 失败: %w", err)
	}
	return &AllowanceManager{
		backend:     backend,
		spender:     common.HexToAddress(spender),
		chainID:     big.NewInt(chainID),
		waitTimeout: waitTimeout,
		erc20:       parsed,
		logger:      logger,
	}, nil
}

// Allowance 查询 owner 对 vault relayer 的授权额度。
func (m *AllowanceManager) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return m.callUint(ctx, token, "allowance", owner, m.spender)
}

// BalanceOf 查询 owner 的代币余额。
func (m *AllowanceManager) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return m.callUint(ctx, token, "balanceOf", owner)
}

// Ensure 检查余额与授权额度，不足时发送无限授权交易并等待上链。
// 返回 true 表示本次发送了授权交易。
func (m *AllowanceManager) Ensure(ctx context.Context, token common.Address, key *ecdsa.PrivateKey, required *big.Int) (bool, error) {
	owner := crypto.PubkeyToAddress(key.PublicKey)

	balance, err := m.BalanceOf(ctx, token, owner)
	if err != nil {
		return false, err
	}
	if balance.Cmp(required) < 0 {
		return false, fmt.Errorf("%w: 余额 %s 小于所需 %s", venue.ErrInsufficientFunds, balance, required)
	}

	current, err := m.Allowance(ctx, token, owner)
	if err != nil {
		return false, err
	}
	if current.Cmp(required) >= 0 {
		return false, nil
	}

	m.logger.Info("授权额度不足，发送授权交易",
		zap.String("token", token.Hex()),
		zap.String("owner", owner.Hex()),
		zap.String("allowance", current.String()),
		zap.String("required", required.String()),
	)

	if err := m.approve(ctx, token, owner, key); err != nil {
		return true, err
	}

	after, err := m.Allowance(ctx, token, owner)
	if err != nil {
		return true, err
	}
	if after.Cmp(required) < 0 {
		return true, fmt.Errorf("%w: 授权后额度仍不足 (%s < %s)", venue.ErrInsufficientFunds, after, required)
	}
	return true, nil
}

func (m *AllowanceManager) approve(ctx context.Context, token, owner common.Address, key *ecdsa.PrivateKey) error {
	data, err := m.erc20.Pack("approve", m.spender, maxUint256)
	if err != nil {
		return fmt.Errorf("cow: 编码 approve 调用失败: %w", err)
	}

	nonce, err := m.backend.PendingNonceAt(ctx, owner)
	if err != nil {
		return venue.Transient(fmt.Errorf("cow: 获取 nonce 失败: %w", err))
	}
	gasPrice, err := m.backend.SuggestGasPrice(ctx)
	if err != nil {
		return venue.Transient(fmt.Errorf("cow: 获取 gas 价格失败: %w", err))
	}
	gas, err := m.backend.EstimateGas(ctx, ethereum.CallMsg{From: owner, To: &token, Data: data})
	if err != nil {
		return venue.Transient(fmt.Errorf("cow: 估算授权 gas 失败: %w", err))
	}
	gas = gas * 120 / 100

	tx := types.NewTransaction(nonce, token, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(m.chainID), key)
	if err != nil {
		return fmt.Errorf("cow: 授权交易签名失败: %w", err)
	}
	if err := m.backend.SendTransaction(ctx, signed); err != nil {
		return venue.Transient(fmt.Errorf("cow: 发送授权交易失败: %w", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.waitTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, m.backend, signed)
	if err != nil {
		return venue.Transient(fmt.Errorf("cow: 等待授权交易上链失败: %w", err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		m.logger.Warn("授权交易回滚", zap.String("tx", signed.Hash().Hex()))
		return venue.Transient(fmt.Errorf("cow: 授权交易回滚: %s", signed.Hash().Hex()))
	}

	m.logger.Info("授权交易已确认",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
	)
	return nil
}

func (m *AllowanceManager) callUint(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := m.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("cow: 编码 %s 调用失败: %w", method, err)
	}
	result, err := m.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, venue.Transient(fmt.Errorf("cow: 调用 %s 失败: %w", method, err))
	}
	var value *big.Int
	if err := m.erc20.UnpackIntoInterface(&value, method, result); err != nil {
		return nil, venue.Transient(fmt.Errorf("cow: 解析 %s 返回值失败: %w", method, err))
	}
	return value, nil
}
