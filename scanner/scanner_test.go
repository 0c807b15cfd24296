package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"liquidation-bot/contracts"
	"liquidation-bot/tracker"
)

var (
	multicallAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	poolAddr      = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func addr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0xb000 + i)))
}

func wad(f float64) *big.Int {
	v := new(big.Float).Mul(big.NewFloat(f), big.NewFloat(1e18))
	out, _ := v.Int(nil)
	return out
}

// accountCaller answers getUserAccountData multicalls from a fixture map of
// borrower -> (healthFactor, debtBase). It counts batches for the chunk test.
type accountCaller struct {
	t        *testing.T
	accounts map[common.Address]accountFixture
	batches  int
}

type accountFixture struct {
	hf       *big.Int
	debtBase *big.Int
}

func (c *accountCaller) CallContract(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	require.Equal(c.t, multicallAddr, to)
	c.batches++
	calls, err := contracts.UnpackAggregate3Request(data)
	require.NoError(c.t, err)

	results := make([]contracts.Call3Result, len(calls))
	for i, call := range calls {
		// calldata is selector + abi-encoded user address.
		user := common.BytesToAddress(call.CallData[4+12 : 4+32])
		fx, ok := c.accounts[user]
		if !ok {
			results[i] = contracts.Call3Result{Success: false}
			continue
		}
		out, err := contracts.PoolABI.Methods["getUserAccountData"].Outputs.Pack(
			big.NewInt(0), fx.debtBase, big.NewInt(0), big.NewInt(0), big.NewInt(0), fx.hf)
		require.NoError(c.t, err)
		results[i] = contracts.Call3Result{Success: true, ReturnData: out}
	}
	return contracts.PackAggregate3Response(results)
}

// pagedIndexer serves borrower pages over GraphQL the way the subgraph does.
func pagedIndexer(t *testing.T, borrowers []common.Address) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables struct {
				First int `json:"first"`
				Skip  int `json:"skip"`
			} `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		end := req.Variables.Skip + req.Variables.First
		if end > len(borrowers) {
			end = len(borrowers)
		}
		start := req.Variables.Skip
		if start > len(borrowers) {
			start = len(borrowers)
		}

		users := make([]map[string]string, 0, end-start)
		for _, b := range borrowers[start:end] {
			users = append(users, map[string]string{"id": b.Hex()})
		}
		fmt.Fprintf(w, `{"data":{"users":%s}}`, mustJSON(users))
	}))
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func TestScanClassifiesCohorts(t *testing.T) {
	liq, warm, healthy := addr(1), addr(2), addr(3)
	srv := pagedIndexer(t, []common.Address{liq, warm, healthy})
	defer srv.Close()

	caller := &accountCaller{t: t, accounts: map[common.Address]accountFixture{
		liq:     {hf: wad(0.97), debtBase: big.NewInt(500_000_000_000)}, // $5000
		warm:    {hf: wad(1.05), debtBase: big.NewInt(100_000_000_000)}, // $1000
		healthy: {hf: wad(1.80), debtBase: big.NewInt(100_000_000_000)},
	}}
	tr := tracker.New(1, zap.NewNop())

	s := New(caller, NewIndexerClient(srv.URL, zap.NewNop()), tr, multicallAddr, zap.NewNop())
	result, err := s.Scan(context.Background(), poolAddr)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	require.Len(t, result.Liquidatable, 1)
	assert.Equal(t, liq, result.Liquidatable[0].Borrower)
	assert.Equal(t, "5000", result.Liquidatable[0].DebtUSD().String())

	assert.Equal(t, 1, result.Warm)
	_, tracked := tr.Get(warm)
	assert.True(t, tracked)
	_, tracked = tr.Get(healthy)
	assert.False(t, tracked)
}

func TestScanBoundaryHealthFactorIsLiquidatable(t *testing.T) {
	exact, above := addr(1), addr(2)
	srv := pagedIndexer(t, []common.Address{exact, above})
	defer srv.Close()

	caller := &accountCaller{t: t, accounts: map[common.Address]accountFixture{
		// Exactly 1.0 is on the line and already seizable; just above is warm.
		exact: {hf: new(big.Int).Set(tracker.HFUnit), debtBase: big.NewInt(200_000_000_000)},
		above: {hf: new(big.Int).Add(tracker.HFUnit, big.NewInt(1)), debtBase: big.NewInt(200_000_000_000)},
	}}
	tr := tracker.New(1, zap.NewNop())
	s := New(caller, NewIndexerClient(srv.URL, zap.NewNop()), tr, multicallAddr, zap.NewNop())

	result, err := s.Scan(context.Background(), poolAddr)
	require.NoError(t, err)
	require.Len(t, result.Liquidatable, 1)
	assert.Equal(t, exact, result.Liquidatable[0].Borrower)
	assert.Equal(t, 1, result.Warm)
}

func TestScanSortsLiquidatableByDebt(t *testing.T) {
	small, large := addr(1), addr(2)
	srv := pagedIndexer(t, []common.Address{small, large})
	defer srv.Close()

	caller := &accountCaller{t: t, accounts: map[common.Address]accountFixture{
		small: {hf: wad(0.99), debtBase: big.NewInt(10_000_000_000)},
		large: {hf: wad(0.95), debtBase: big.NewInt(900_000_000_000)},
	}}
	s := New(caller, NewIndexerClient(srv.URL, zap.NewNop()), tracker.New(1, zap.NewNop()), multicallAddr, zap.NewNop())

	result, err := s.Scan(context.Background(), poolAddr)
	require.NoError(t, err)
	require.Len(t, result.Liquidatable, 2)
	assert.Equal(t, large, result.Liquidatable[0].Borrower)
}

func TestScanChunksLargeCohorts(t *testing.T) {
	// 120 borrowers: two indexer pages, three multicall batches.
	borrowers := make([]common.Address, 120)
	accounts := make(map[common.Address]accountFixture, 120)
	for i := range borrowers {
		borrowers[i] = addr(i)
		accounts[borrowers[i]] = accountFixture{hf: wad(2.0), debtBase: big.NewInt(1_000_000_000)}
	}
	srv := pagedIndexer(t, borrowers)
	defer srv.Close()

	caller := &accountCaller{t: t, accounts: accounts}
	s := New(caller, NewIndexerClient(srv.URL, zap.NewNop()), tracker.New(1, zap.NewNop()), multicallAddr, zap.NewNop())

	result, err := s.Scan(context.Background(), poolAddr)
	require.NoError(t, err)
	assert.Equal(t, 120, result.Total)
	assert.Equal(t, 3, caller.batches)
}

func TestIndexerTerminatesOnShortPage(t *testing.T) {
	borrowers := make([]common.Address, 100) // exactly one full page
	for i := range borrowers {
		borrowers[i] = addr(i)
	}
	srv := pagedIndexer(t, borrowers)
	defer srv.Close()

	got, err := NewIndexerClient(srv.URL, zap.NewNop()).Borrowers(context.Background(), poolAddr)
	require.NoError(t, err)
	// The walk fetches a second, empty page before stopping.
	assert.Len(t, got, 100)
}
