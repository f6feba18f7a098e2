package oracle

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethcore "github.com/ethereum/go-ethereum"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/internal/web3"
	"Clawracle-Agent/pkg/logger"
)

// Config 描述预言机客户端所需的链上参数。
type Config struct {
	// RegistryAddress 为请求注册表合约地址。
	RegistryAddress string
	// TokenAddress 为保证金代币合约地址。
	TokenAddress string
	// PrivateKeyHex 为 Agent 的签名私钥，允许携带 0x 前缀。
	PrivateKeyHex string
	// AgentID 为 Agent 在身份注册表中的编号。
	AgentID uint64
	// ConfirmTimeout 为等待交易上链的最长时间。
	ConfirmTimeout time.Duration
}

// Client 封装注册表与代币合约的读写操作，所有写操作都阻塞等待回执。
type Client struct {
	chain          web3.Client
	registry       *bind.BoundContract
	token          *bind.BoundContract
	registryAddr   common.Address
	tokenAddr      common.Address
	auth           *bind.TransactOpts
	from           common.Address
	agentID        *big.Int
	confirmTimeout time.Duration
	log            *slog.Logger
}

// NewClient 基于链客户端与签名私钥构建预言机客户端。
func NewClient(ctx context.Context, chain web3.Client, cfg Config) (*Client, error) {
	if cfg.RegistryAddress == "" || cfg.TokenAddress == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置注册表或代币合约地址")
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 Agent 签名私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 Agent 签名私钥失败")
	}
	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询链 ID 失败")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构建交易签名器失败")
	}

	confirm := cfg.ConfirmTimeout
	if confirm <= 0 {
		confirm = 2 * time.Minute
	}

	backend := chain.Backend()
	registryAddr := common.HexToAddress(cfg.RegistryAddress)
	tokenAddr := common.HexToAddress(cfg.TokenAddress)
	return &Client{
		chain:          chain,
		registry:       bind.NewBoundContract(registryAddr, registryMeta, backend, backend, backend),
		token:          bind.NewBoundContract(tokenAddr, tokenMeta, backend, backend, backend),
		registryAddr:   registryAddr,
		tokenAddr:      tokenAddr,
		auth:           auth,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		agentID:        new(big.Int).SetUint64(cfg.AgentID),
		confirmTimeout: confirm,
		log:            logger.Named("oracle"),
	}, nil
}

// Address 返回 Agent 的出账地址。
func (c *Client) Address() common.Address {
	return c.from
}

// AgentID 返回 Agent 在身份注册表中的编号。
func (c *Client) AgentID() *big.Int {
	return new(big.Int).Set(c.agentID)
}

// GetQuery 读取链上请求全量记录。
func (c *Client) GetQuery(ctx context.Context, requestID *big.Int) (*QueryRecord, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := c.registry.Call(opts, &out, "getQuery", requestID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "调用 getQuery 失败")
	}
	record := abi.ConvertType(out[0], new(QueryRecord)).(*QueryRecord)
	return record, nil
}

// GetAnswers 读取某个请求当前的全部答案。
func (c *Client) GetAnswers(ctx context.Context, requestID *big.Int) ([]AnswerRecord, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := c.registry.Call(opts, &out, "getAnswers", requestID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "调用 getAnswers 失败")
	}
	answers := *abi.ConvertType(out[0], new([]AnswerRecord)).(*[]AnswerRecord)
	return answers, nil
}

// BalanceOf 查询地址的代币余额。
func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := c.token.Call(opts, &out, "balanceOf", account); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "调用 balanceOf 失败")
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// ApproveBond 将保证金额度授权给注册表合约并等待回执。
func (c *Client) ApproveBond(ctx context.Context, amount *big.Int) error {
	c.log.Info("授权保证金", "spender", c.registryAddr.Hex(), "amount", amount.String())
	receipt, err := c.transact(ctx, c.token, "approve", c.registryAddr, amount)
	if err != nil {
		return err
	}
	logger.Audit().Info("bond approved",
		"tx", receipt.TxHash.Hex(),
		"spender", c.registryAddr.Hex(),
		"amount", amount.String())
	return nil
}

// SubmitAnswer 调用 resolveRequest 提交答案，确认后回读答案列表返回本次答案的编号。
func (c *Client) SubmitAnswer(ctx context.Context, requestID *big.Int, answer []byte, source string, isPrivate bool) (uint64, error) {
	c.log.Info("提交答案", "request_id", requestID.String(), "source", source)
	receipt, err := c.transact(ctx, c.registry, "resolveRequest", requestID, c.agentID, answer, source, isPrivate)
	if err != nil {
		return 0, err
	}

	answers, err := c.GetAnswers(ctx, requestID)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "提交后回读答案列表失败")
	}
	if len(answers) == 0 {
		return 0, xerrors.New(xerrors.CodeChainFailure, "提交已确认但答案列表为空")
	}
	answerID := uint64(len(answers) - 1)
	logger.Audit().Info("answer submitted",
		"tx", receipt.TxHash.Hex(),
		"request_id", requestID.String(),
		"answer_id", answerID,
		"source", source)
	return answerID, nil
}

// SubscribeRequests 订阅注册表合约的全部事件日志。
func (c *Client) SubscribeRequests(ctx context.Context) (*web3.EventSubscription, error) {
	query := gethcore.FilterQuery{Addresses: []common.Address{c.registryAddr}}
	sub, err := c.chain.SubscribeLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "订阅注册表事件失败")
	}
	return sub, nil
}

func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...any) (*coretypes.Receipt, error) {
	opts := *c.auth
	opts.Context = ctx
	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return nil, xerrors.Wrap(xerrors.CodeInsufficientFunds, err, "账户余额不足以发送交易")
		}
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败", xerrors.WithMetadata("method", method))
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	receipt, err := c.chain.WaitMined(waitCtx, tx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "等待交易确认失败",
			xerrors.WithMetadata("method", method),
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, xerrors.New(xerrors.CodeChainFailure, "交易执行被回滚",
			xerrors.WithMetadata("method", method),
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	return receipt, nil
}
