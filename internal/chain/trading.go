package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	json "github.com/goccy/go-json"

	"linkora-backend/internal/models"
)

// Minimal ABI slice of the Trading contract: the four order lifecycle
// events plus the getOrder view the projector hydrates CREATED rows
// from.
const tradingABI = `[
  {"type":"event","name":"OrderCreated","inputs":[
    {"name":"orderId","type":"uint256","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"tokenIn","type":"address","indexed":false},
    {"name":"tokenOut","type":"address","indexed":false},
    {"name":"amountIn","type":"uint256","indexed":false}]},
  {"type":"event","name":"OrderExecuted","inputs":[
    {"name":"orderId","type":"uint256","indexed":true},
    {"name":"executor","type":"address","indexed":true},
    {"name":"amountOut","type":"uint256","indexed":false}]},
  {"type":"event","name":"OrderCancelled","inputs":[
    {"name":"orderId","type":"uint256","indexed":true}]},
  {"type":"event","name":"OrderModified","inputs":[
    {"name":"orderId","type":"uint256","indexed":true},
    {"name":"newTargetPrice","type":"uint256","indexed":false},
    {"name":"newMinAmountOut","type":"uint256","indexed":false}]},
  {"type":"function","name":"getOrder","stateMutability":"view",
   "inputs":[{"name":"orderId","type":"uint256"}],
   "outputs":[
    {"name":"id","type":"uint256"},
    {"name":"user","type":"address"},
    {"name":"tokenIn","type":"address"},
    {"name":"tokenOut","type":"address"},
    {"name":"amountIn","type":"uint256"},
    {"name":"targetPrice","type":"uint256"},
    {"name":"minAmountOut","type":"uint256"},
    {"name":"orderType","type":"uint8"},
    {"name":"isLong","type":"bool"},
    {"name":"executed","type":"bool"},
    {"name":"createdAt","type":"uint256"},
    {"name":"selfExecutable","type":"bool"}]}
]`

const erc20ABI = `[
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

// orderEventNames is the fixed fetch order for log queries.
var orderEventNames = []string{"OrderCreated", "OrderExecuted", "OrderCancelled", "OrderModified"}

var eventTypeByName = map[string]string{
	"OrderCreated":   models.EventTypeCreated,
	"OrderExecuted":  models.EventTypeExecuted,
	"OrderCancelled": models.EventTypeCancelled,
	"OrderModified":  models.EventTypeModified,
}

// OrderLog is one decoded lifecycle event. Only the fields for its
// Type are populated. A log that matched a topic but failed to decode
// carries Err and its ledger coordinates so the caller can still mark
// it processed.
type OrderLog struct {
	Type    string
	OrderID uint64

	User         common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	Executor     common.Address
	AmountOut    *big.Int
	TargetPrice  *big.Int
	MinAmountOut *big.Int

	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint

	// Raw is the JSON document persisted to order_events.event_data.
	Raw json.RawMessage

	Err error
}

// ContractOrder mirrors the getOrder return tuple.
type ContractOrder struct {
	Id             *big.Int
	User           common.Address
	TokenIn        common.Address
	TokenOut       common.Address
	AmountIn       *big.Int
	TargetPrice    *big.Int
	MinAmountOut   *big.Int
	OrderType      uint8
	IsLong         bool
	Executed       bool
	CreatedAt      *big.Int
	SelfExecutable bool
}

// Token is cached ERC20 metadata. Lookups never fail: tokens that do
// not answer symbol()/decimals() fall back to UNKNOWN / 18.
type Token struct {
	Symbol   string
	Decimals uint8
}

// Trading reads order lifecycle data from the Trading contract. Order
// tuples and token metadata are cached until ClearCaches.
type Trading struct {
	backend Backend
	address common.Address
	abi     abi.ABI
	erc20   abi.ABI

	mu         sync.Mutex
	orderCache map[uint64]*ContractOrder
	tokenCache map[common.Address]Token
}

func NewTrading(backend Backend, address common.Address) (*Trading, error) {
	parsed, err := abi.JSON(strings.NewReader(tradingABI))
	if err != nil {
		return nil, fmt.Errorf("parse trading abi: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &Trading{
		backend:    backend,
		address:    address,
		abi:        parsed,
		erc20:      erc20,
		orderCache: make(map[uint64]*ContractOrder),
		tokenCache: make(map[common.Address]Token),
	}, nil
}

func (t *Trading) Address() common.Address {
	return t.address
}

// FilterOrderEvents queries the four lifecycle topics over the
// inclusive block range and returns the decoded logs unsorted. Callers
// order them before applying.
func (t *Trading) FilterOrderEvents(ctx context.Context, fromBlock, toBlock uint64) ([]OrderLog, error) {
	var out []OrderLog
	for _, name := range orderEventNames {
		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{t.address},
			Topics:    [][]common.Hash{{t.abi.Events[name].ID}},
		}
		logs, err := t.backend.FilterLogs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("filter %s [%d..%d]: %w", name, fromBlock, toBlock, err)
		}
		for _, lg := range logs {
			out = append(out, t.decodeLog(name, lg))
		}
	}
	return out, nil
}

func (t *Trading) decodeLog(name string, lg types.Log) OrderLog {
	ev := OrderLog{
		Type:        eventTypeByName[name],
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}

	if len(lg.Topics) < 2 {
		ev.Err = fmt.Errorf("%s log %s:%d missing orderId topic", name, lg.TxHash.Hex(), lg.Index)
		return ev
	}
	orderID := new(big.Int).SetBytes(lg.Topics[1].Bytes())
	if !orderID.IsUint64() {
		ev.Err = fmt.Errorf("%s log %s:%d orderId out of range", name, lg.TxHash.Hex(), lg.Index)
		return ev
	}
	ev.OrderID = orderID.Uint64()

	args := map[string]interface{}{"orderId": orderID.String()}

	switch name {
	case "OrderCreated", "OrderExecuted":
		if len(lg.Topics) < 3 {
			ev.Err = fmt.Errorf("%s log %s:%d missing address topic", name, lg.TxHash.Hex(), lg.Index)
			return ev
		}
	}

	data := make(map[string]interface{})
	if len(lg.Data) > 0 {
		if err := t.abi.UnpackIntoMap(data, name, lg.Data); err != nil {
			ev.Err = fmt.Errorf("decode %s log %s:%d: %w", name, lg.TxHash.Hex(), lg.Index, err)
			return ev
		}
	}

	switch name {
	case "OrderCreated":
		ev.User = common.BytesToAddress(lg.Topics[2].Bytes())
		var ok bool
		if ev.TokenIn, ok = data["tokenIn"].(common.Address); !ok {
			ev.Err = fmt.Errorf("decode %s log %s:%d: bad tokenIn", name, lg.TxHash.Hex(), lg.Index)
			return ev
		}
		if ev.TokenOut, ok = data["tokenOut"].(common.Address); !ok {
			ev.Err = fmt.Errorf("decode %s log %s:%d: bad tokenOut", name, lg.TxHash.Hex(), lg.Index)
			return ev
		}
		if ev.AmountIn, ok = data["amountIn"].(*big.Int); !ok {
			ev.Err = fmt.Errorf("decode %s log %s:%d: bad amountIn", name, lg.TxHash.Hex(), lg.Index)
			return ev
		}
		args["user"] = ev.User.Hex()
		args["tokenIn"] = ev.TokenIn.Hex()
		args["tokenOut"] = ev.TokenOut.Hex()
		args["amountIn"] = ev.AmountIn.String()

	case "OrderExecuted":
		ev.Executor = common.BytesToAddress(lg.Topics[2].Bytes())
		var ok bool
		if ev.AmountOut, ok = data["amountOut"].(*big.Int); !ok {
			ev.Err = fmt.Errorf("decode %s log %s:%d: bad amountOut", name, lg.TxHash.Hex(), lg.Index)
			return ev
		}
		args["executor"] = ev.Executor.Hex()
		args["amountOut"] = ev.AmountOut.String()

	case "OrderCancelled":
		// orderId only.

	case "OrderModified":
		var ok bool
		if ev.TargetPrice, ok = data["newTargetPrice"].(*big.Int); !ok {
			ev.Err = fmt.Errorf("decode %s log %s:%d: bad newTargetPrice", name, lg.TxHash.Hex(), lg.Index)
			return ev
		}
		if ev.MinAmountOut, ok = data["newMinAmountOut"].(*big.Int); !ok {
			ev.Err = fmt.Errorf("decode %s log %s:%d: bad newMinAmountOut", name, lg.TxHash.Hex(), lg.Index)
			return ev
		}
		args["newTargetPrice"] = ev.TargetPrice.String()
		args["newMinAmountOut"] = ev.MinAmountOut.String()
	}

	raw, err := json.Marshal(map[string]interface{}{
		"event":           name,
		"args":            args,
		"address":         lg.Address.Hex(),
		"transactionHash": lg.TxHash.Hex(),
		"blockNumber":     lg.BlockNumber,
		"logIndex":        lg.Index,
	})
	if err != nil {
		ev.Err = fmt.Errorf("encode %s log %s:%d: %w", name, lg.TxHash.Hex(), lg.Index, err)
		return ev
	}
	ev.Raw = raw
	return ev
}

// GetOrder fetches the full order tuple, serving repeats from cache.
func (t *Trading) GetOrder(ctx context.Context, orderID uint64) (*ContractOrder, error) {
	t.mu.Lock()
	if cached, ok := t.orderCache[orderID]; ok {
		t.mu.Unlock()
		return cached, nil
	}
	t.mu.Unlock()

	input, err := t.abi.Pack("getOrder", new(big.Int).SetUint64(orderID))
	if err != nil {
		return nil, fmt.Errorf("pack getOrder(%d): %w", orderID, err)
	}
	res, err := t.backend.CallContract(ctx, ethereum.CallMsg{To: &t.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getOrder(%d): %w", orderID, err)
	}

	var order ContractOrder
	if err := t.abi.UnpackIntoInterface(&order, "getOrder", res); err != nil {
		return nil, fmt.Errorf("unpack getOrder(%d): %w", orderID, err)
	}

	t.mu.Lock()
	t.orderCache[orderID] = &order
	t.mu.Unlock()
	return &order, nil
}

// TokenInfo resolves ERC20 symbol and decimals, best effort. Failures
// are cached too so a dead token is not re-queried every event.
func (t *Trading) TokenInfo(ctx context.Context, addr common.Address) Token {
	t.mu.Lock()
	if cached, ok := t.tokenCache[addr]; ok {
		t.mu.Unlock()
		return cached
	}
	t.mu.Unlock()

	info := Token{Symbol: "UNKNOWN", Decimals: 18}

	if input, err := t.erc20.Pack("symbol"); err == nil {
		if res, err := t.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil); err == nil {
			var sym string
			if err := t.erc20.UnpackIntoInterface(&sym, "symbol", res); err == nil && sym != "" {
				info.Symbol = sym
			}
		}
	}
	if input, err := t.erc20.Pack("decimals"); err == nil {
		if res, err := t.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil); err == nil {
			var dec uint8
			if err := t.erc20.UnpackIntoInterface(&dec, "decimals", res); err == nil {
				info.Decimals = dec
			}
		}
	}

	t.mu.Lock()
	t.tokenCache[addr] = info
	t.mu.Unlock()
	return info
}

// ClearCaches drops both caches. The projector calls this hourly so a
// token whose metadata changes, or a modified order, is re-read
// eventually.
func (t *Trading) ClearCaches() {
	t.mu.Lock()
	n := len(t.orderCache) + len(t.tokenCache)
	t.orderCache = make(map[uint64]*ContractOrder)
	t.tokenCache = make(map[common.Address]Token)
	t.mu.Unlock()
	if n > 0 {
		log.Printf("[chain] cleared %d cached contract entries", n)
	}
}
