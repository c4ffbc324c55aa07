package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	json "github.com/goccy/go-json"

	"linkora-backend/internal/models"
)

var (
	testContract = common.HexToAddress("0x610178dA211FEF7D417bC0e6FeD39F05609AD788")
	testUser     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testTokenIn  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testTokenOut = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

type fakeBackend struct {
	logsByTopic map[common.Hash][]types.Log
	filterErr   error
	callFn      func(msg ethereum.CallMsg) ([]byte, error)
	calls       int
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	if len(q.Topics) == 0 || len(q.Topics[0]) == 0 {
		return nil, errors.New("missing topic filter")
	}
	return f.logsByTopic[q.Topics[0][0]], nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.callFn == nil {
		return nil, errors.New("no call handler")
	}
	return f.callFn(msg)
}

func newTestTrading(t *testing.T, backend Backend) *Trading {
	t.Helper()
	tr, err := NewTrading(backend, testContract)
	if err != nil {
		t.Fatalf("NewTrading: %v", err)
	}
	return tr
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func orderIDTopic(id int64) common.Hash {
	return common.BigToHash(big.NewInt(id))
}

func (f *fakeBackend) addLog(tr *Trading, name string, lg types.Log) {
	if f.logsByTopic == nil {
		f.logsByTopic = make(map[common.Hash][]types.Log)
	}
	topic := tr.abi.Events[name].ID
	lg.Topics = append([]common.Hash{topic}, lg.Topics...)
	lg.Address = testContract
	f.logsByTopic[topic] = append(f.logsByTopic[topic], lg)
}

func mustPackData(t *testing.T, tr *Trading, event string, vals ...interface{}) []byte {
	t.Helper()
	data, err := tr.abi.Events[event].Inputs.NonIndexed().Pack(vals...)
	if err != nil {
		t.Fatalf("pack %s data: %v", event, err)
	}
	return data
}

func TestFilterOrderEventsDecodesAllTypes(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTestTrading(t, backend)

	backend.addLog(tr, "OrderCreated", types.Log{
		Topics:      []common.Hash{orderIDTopic(7), addressTopic(testUser)},
		Data:        mustPackData(t, tr, "OrderCreated", testTokenIn, testTokenOut, big.NewInt(1500000)),
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xaa01"),
		Index:       0,
	})
	backend.addLog(tr, "OrderExecuted", types.Log{
		Topics:      []common.Hash{orderIDTopic(7), addressTopic(testUser)},
		Data:        mustPackData(t, tr, "OrderExecuted", big.NewInt(990000)),
		BlockNumber: 102,
		TxHash:      common.HexToHash("0xaa02"),
		Index:       3,
	})
	backend.addLog(tr, "OrderCancelled", types.Log{
		Topics:      []common.Hash{orderIDTopic(8)},
		BlockNumber: 103,
		TxHash:      common.HexToHash("0xaa03"),
		Index:       1,
	})
	backend.addLog(tr, "OrderModified", types.Log{
		Topics:      []common.Hash{orderIDTopic(9)},
		Data:        mustPackData(t, tr, "OrderModified", big.NewInt(2100), big.NewInt(42)),
		BlockNumber: 104,
		TxHash:      common.HexToHash("0xaa04"),
		Index:       2,
	})

	events, err := tr.FilterOrderEvents(context.Background(), 100, 110)
	if err != nil {
		t.Fatalf("FilterOrderEvents: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}

	byType := make(map[string]OrderLog)
	for _, ev := range events {
		if ev.Err != nil {
			t.Fatalf("event %s decode error: %v", ev.Type, ev.Err)
		}
		byType[ev.Type] = ev
	}

	created := byType[models.EventTypeCreated]
	if created.OrderID != 7 || created.User != testUser {
		t.Fatalf("created = %+v", created)
	}
	if created.TokenIn != testTokenIn || created.TokenOut != testTokenOut {
		t.Fatalf("created tokens = %v -> %v", created.TokenIn, created.TokenOut)
	}
	if created.AmountIn.Cmp(big.NewInt(1500000)) != 0 {
		t.Fatalf("created amountIn = %v", created.AmountIn)
	}

	executed := byType[models.EventTypeExecuted]
	if executed.Executor != testUser || executed.AmountOut.Cmp(big.NewInt(990000)) != 0 {
		t.Fatalf("executed = %+v", executed)
	}

	cancelled := byType[models.EventTypeCancelled]
	if cancelled.OrderID != 8 || cancelled.BlockNumber != 103 {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	modified := byType[models.EventTypeModified]
	if modified.TargetPrice.Cmp(big.NewInt(2100)) != 0 || modified.MinAmountOut.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("modified = %+v", modified)
	}

	var raw struct {
		Event string                 `json:"event"`
		Args  map[string]interface{} `json:"args"`
	}
	if err := json.Unmarshal(created.Raw, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw.Event != "OrderCreated" || raw.Args["orderId"] != "7" {
		t.Fatalf("raw payload = %+v", raw)
	}
}

func TestFilterOrderEventsKeepsUndecodableLog(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTestTrading(t, backend)

	// Truncated data payload cannot unpack.
	backend.addLog(tr, "OrderCreated", types.Log{
		Topics:      []common.Hash{orderIDTopic(5), addressTopic(testUser)},
		Data:        []byte{0x01, 0x02},
		BlockNumber: 55,
		TxHash:      common.HexToHash("0xbb01"),
		Index:       4,
	})

	events, err := tr.FilterOrderEvents(context.Background(), 50, 60)
	if err != nil {
		t.Fatalf("FilterOrderEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Err == nil {
		t.Fatal("expected decode error")
	}
	if ev.Type != models.EventTypeCreated || ev.BlockNumber != 55 || ev.LogIndex != 4 {
		t.Fatalf("poison log lost coordinates: %+v", ev)
	}
}

func TestGetOrderUnpacksAndCaches(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTestTrading(t, backend)

	createdAt := big.NewInt(1710500000)
	backend.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		if *msg.To != testContract {
			t.Fatalf("call target = %v", msg.To)
		}
		return tr.abi.Methods["getOrder"].Outputs.Pack(
			big.NewInt(7), testUser, testTokenIn, testTokenOut,
			big.NewInt(1500000), big.NewInt(2000), big.NewInt(900),
			uint8(1), true, false, createdAt, true,
		)
	}

	order, err := tr.GetOrder(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.User != testUser || order.OrderType != 1 || !order.IsLong || !order.SelfExecutable {
		t.Fatalf("order = %+v", order)
	}
	if order.TargetPrice.Cmp(big.NewInt(2000)) != 0 || order.CreatedAt.Cmp(createdAt) != 0 {
		t.Fatalf("order numerics = %+v", order)
	}

	if _, err := tr.GetOrder(context.Background(), 7); err != nil {
		t.Fatalf("GetOrder cached: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("backend calls = %d, want 1 (second read should hit cache)", backend.calls)
	}

	tr.ClearCaches()
	if _, err := tr.GetOrder(context.Background(), 7); err != nil {
		t.Fatalf("GetOrder after clear: %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("backend calls = %d, want 2 after cache clear", backend.calls)
	}
}

func TestTokenInfoFallsBackAndCaches(t *testing.T) {
	backend := &fakeBackend{callFn: func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("execution reverted")
	}}
	tr := newTestTrading(t, backend)

	info := tr.TokenInfo(context.Background(), testTokenIn)
	if info.Symbol != "UNKNOWN" || info.Decimals != 18 {
		t.Fatalf("fallback info = %+v", info)
	}

	calls := backend.calls
	tr.TokenInfo(context.Background(), testTokenIn)
	if backend.calls != calls {
		t.Fatal("second lookup should be served from cache")
	}
}

func TestTokenInfoReadsMetadata(t *testing.T) {
	backend := &fakeBackend{}
	tr := newTestTrading(t, backend)

	symbolSel := common.Bytes2Hex(tr.erc20.Methods["symbol"].ID)
	backend.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		if common.Bytes2Hex(msg.Data) == symbolSel {
			return tr.erc20.Methods["symbol"].Outputs.Pack("WETH")
		}
		return tr.erc20.Methods["decimals"].Outputs.Pack(uint8(6))
	}

	info := tr.TokenInfo(context.Background(), testTokenOut)
	if info.Symbol != "WETH" || info.Decimals != 6 {
		t.Fatalf("info = %+v", info)
	}
}
