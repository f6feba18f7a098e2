package oracle

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// RegistryABI 是预言机注册表合约中本 Agent 消费的事件与方法子集。
const RegistryABI = `[
  {"type":"event","name":"RequestSubmitted","inputs":[
    {"name":"requestId","type":"uint256","indexed":true},
    {"name":"requester","type":"address","indexed":true},
    {"name":"ipfsCID","type":"string","indexed":false},
    {"name":"category","type":"string","indexed":false},
    {"name":"validFrom","type":"uint256","indexed":false},
    {"name":"deadline","type":"uint256","indexed":false},
    {"name":"reward","type":"uint256","indexed":false},
    {"name":"bondRequired","type":"uint256","indexed":false}]},
  {"type":"event","name":"AnswerProposed","inputs":[
    {"name":"requestId","type":"uint256","indexed":true},
    {"name":"answerId","type":"uint256","indexed":true},
    {"name":"agent","type":"address","indexed":true},
    {"name":"agentId","type":"uint256","indexed":false},
    {"name":"answer","type":"bytes","indexed":false},
    {"name":"bond","type":"uint256","indexed":false}]},
  {"type":"event","name":"AnswerDisputed","inputs":[
    {"name":"requestId","type":"uint256","indexed":true},
    {"name":"answerId","type":"uint256","indexed":true},
    {"name":"disputer","type":"address","indexed":true},
    {"name":"disputerAgentId","type":"uint256","indexed":false},
    {"name":"disputedAnswer","type":"bytes","indexed":false},
    {"name":"bond","type":"uint256","indexed":false},
    {"name":"originalAnswerId","type":"uint256","indexed":false}]},
  {"type":"event","name":"RequestFinalized","inputs":[
    {"name":"requestId","type":"uint256","indexed":true},
    {"name":"winningAnswerId","type":"uint256","indexed":true},
    {"name":"winner","type":"address","indexed":true},
    {"name":"reward","type":"uint256","indexed":false}]},
  {"type":"function","name":"getQuery","stateMutability":"view","inputs":[
    {"name":"requestId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple","components":[
    {"name":"requestId","type":"uint256"},
    {"name":"ipfsCID","type":"string"},
    {"name":"validFrom","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"requester","type":"address"},
    {"name":"category","type":"string"},
    {"name":"expectedFormat","type":"uint8"},
    {"name":"bondRequired","type":"uint256"},
    {"name":"reward","type":"uint256"},
    {"name":"status","type":"uint8"},
    {"name":"createdAt","type":"uint256"},
    {"name":"resolvedAt","type":"uint256"}]}]},
  {"type":"function","name":"getAnswers","stateMutability":"view","inputs":[
    {"name":"requestId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
    {"name":"answerId","type":"uint256"},
    {"name":"requestId","type":"uint256"},
    {"name":"agent","type":"address"},
    {"name":"agentId","type":"uint256"},
    {"name":"answer","type":"bytes"},
    {"name":"source","type":"string"},
    {"name":"isPrivateSource","type":"bool"},
    {"name":"bond","type":"uint256"},
    {"name":"validations","type":"uint256"},
    {"name":"disputes","type":"uint256"},
    {"name":"timestamp","type":"uint256"},
    {"name":"isOriginal","type":"bool"}]}]},
  {"type":"function","name":"resolveRequest","stateMutability":"nonpayable","inputs":[
    {"name":"requestId","type":"uint256"},
    {"name":"agentId","type":"uint256"},
    {"name":"answer","type":"bytes"},
    {"name":"source","type":"string"},
    {"name":"isPrivateSource","type":"bool"}],"outputs":[]}
]`

// TokenABI 是保证金代币合约中本 Agent 消费的方法子集。
const TokenABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	registryMeta abi.ABI
	tokenMeta    abi.ABI
)

func init() {
	var err error
	registryMeta, err = abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		panic(fmt.Sprintf("解析注册表 ABI 失败: %v", err))
	}
	tokenMeta, err = abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		panic(fmt.Sprintf("解析代币 ABI 失败: %v", err))
	}
}

// 链上请求状态枚举。
const (
	QueryStatusPending   uint8 = 0
	QueryStatusProposed  uint8 = 1
	QueryStatusDisputed  uint8 = 2
	QueryStatusFinalized uint8 = 3
)

// QueryRecord 是 getQuery 返回的链上请求记录。
type QueryRecord struct {
	RequestId      *big.Int
	IpfsCID        string
	ValidFrom      *big.Int
	Deadline       *big.Int
	Requester      common.Address
	Category       string
	ExpectedFormat uint8
	BondRequired   *big.Int
	Reward         *big.Int
	Status         uint8
	CreatedAt      *big.Int
	ResolvedAt     *big.Int
}

// AnswerRecord 是 getAnswers 返回的单条答案记录。
type AnswerRecord struct {
	AnswerId        *big.Int
	RequestId       *big.Int
	Agent           common.Address
	AgentId         *big.Int
	Answer          []byte
	Source          string
	IsPrivateSource bool
	Bond            *big.Int
	Validations     *big.Int
	Disputes        *big.Int
	Timestamp       *big.Int
	IsOriginal      bool
}

// RequestSubmitted 对应注册表的 RequestSubmitted 事件。
type RequestSubmitted struct {
	RequestId    *big.Int
	Requester    common.Address
	IpfsCID      string
	Category     string
	ValidFrom    *big.Int
	Deadline     *big.Int
	Reward       *big.Int
	BondRequired *big.Int
}

// AnswerProposed 对应注册表的 AnswerProposed 事件。
type AnswerProposed struct {
	RequestId *big.Int
	AnswerId  *big.Int
	Agent     common.Address
	AgentId   *big.Int
	Answer    []byte
	Bond      *big.Int
}

// AnswerDisputed 对应注册表的 AnswerDisputed 事件。
type AnswerDisputed struct {
	RequestId        *big.Int
	AnswerId         *big.Int
	Disputer         common.Address
	DisputerAgentId  *big.Int
	DisputedAnswer   []byte
	Bond             *big.Int
	OriginalAnswerId *big.Int
}

// RequestFinalized 对应注册表的 RequestFinalized 事件。
type RequestFinalized struct {
	RequestId       *big.Int
	WinningAnswerId *big.Int
	Winner          common.Address
	Reward          *big.Int
}

// ErrUnknownEvent 表示日志的主题不属于注册表事件集合。
var ErrUnknownEvent = fmt.Errorf("不是注册表事件")

// ParseLog 将原始链上日志解码为类型化的注册表事件。
func ParseLog(log coretypes.Log) (any, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	event, err := registryMeta.EventByID(log.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}

	switch event.Name {
	case "RequestSubmitted":
		out := new(RequestSubmitted)
		if err := unpackEvent(out, *event, log); err != nil {
			return nil, err
		}
		return out, nil
	case "AnswerProposed":
		out := new(AnswerProposed)
		if err := unpackEvent(out, *event, log); err != nil {
			return nil, err
		}
		return out, nil
	case "AnswerDisputed":
		out := new(AnswerDisputed)
		if err := unpackEvent(out, *event, log); err != nil {
			return nil, err
		}
		return out, nil
	case "RequestFinalized":
		out := new(RequestFinalized)
		if err := unpackEvent(out, *event, log); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, ErrUnknownEvent
	}
}

func unpackEvent(out any, event abi.Event, log coretypes.Log) error {
	if len(log.Data) > 0 {
		if err := registryMeta.UnpackIntoInterface(out, event.Name, log.Data); err != nil {
			return fmt.Errorf("解码事件 %s 数据失败: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) == 0 {
		return nil
	}
	if err := abi.ParseTopics(out, indexed, log.Topics[1:]); err != nil {
		return fmt.Errorf("解码事件 %s 主题失败: %w", event.Name, err)
	}
	return nil
}

// EventID 返回注册表事件的主题哈希，供测试与过滤器使用。
func EventID(name string) common.Hash {
	return registryMeta.Events[name].ID
}
