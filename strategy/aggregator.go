package strategy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// AggregatorClient fetches swap calldata from an external routing API.
type AggregatorClient struct {
	logger  *zap.Logger
	baseURL string
	apiKey  string
	chainID int64
	http    *http.Client
}

// NewAggregatorClient builds a client; baseURL or apiKey may be empty, in
// which case the aggregator strategy is disabled.
func NewAggregatorClient(baseURL, apiKey string, chainID int64, logger *zap.Logger) *AggregatorClient {
	return &AggregatorClient{
		logger:  logger.Named("aggregator"),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		chainID: chainID,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether the client can actually quote.
func (c *AggregatorClient) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != ""
}

// QuoteParams is one swap quote request.
type QuoteParams struct {
	FromToken   common.Address
	ToToken     common.Address
	Amount      *big.Int
	FromAddress common.Address
}

// AggregatorQuote is the decoded response: the target contract, the calldata
// to execute on it, and the estimated output.
type AggregatorQuote struct {
	To       common.Address
	Calldata []byte
	ToAmount *big.Int
	GasUnits uint64
}

type quoteResponse struct {
	TransactionRequest struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
	Estimate struct {
		ToAmount    string `json:"toAmount"`
		ToAmountMin string `json:"toAmountMin"`
	} `json:"estimate"`
}

// Quote fetches routed-swap calldata for the given pair and amount.
func (c *AggregatorClient) Quote(ctx context.Context, params QuoteParams) (*AggregatorQuote, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("aggregator not configured")
	}

	q := url.Values{}
	q.Set("fromChain", fmt.Sprintf("%d", c.chainID))
	q.Set("toChain", fmt.Sprintf("%d", c.chainID))
	q.Set("fromToken", params.FromToken.Hex())
	q.Set("toToken", params.ToToken.Hex())
	q.Set("fromAmount", params.Amount.String())
	q.Set("fromAddress", params.FromAddress.Hex())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregator request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("aggregator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregator status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var decoded quoteResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("aggregator decode: %w", err)
	}
	if decoded.TransactionRequest.To == "" || decoded.TransactionRequest.Data == "" {
		return nil, fmt.Errorf("aggregator returned no transaction request")
	}

	calldata, err := hex.DecodeString(strings.TrimPrefix(decoded.TransactionRequest.Data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("aggregator calldata: %w", err)
	}

	quote := &AggregatorQuote{
		To:       common.HexToAddress(decoded.TransactionRequest.To),
		Calldata: calldata,
	}
	if decoded.Estimate.ToAmountMin != "" {
		if v, ok := new(big.Int).SetString(decoded.Estimate.ToAmountMin, 10); ok {
			quote.ToAmount = v
		}
	} else if decoded.Estimate.ToAmount != "" {
		if v, ok := new(big.Int).SetString(decoded.Estimate.ToAmount, 10); ok {
			quote.ToAmount = v
		}
	}
	if gl := decoded.TransactionRequest.GasLimit; gl != "" {
		if v, ok := new(big.Int).SetString(strings.TrimPrefix(gl, "0x"), 16); ok {
			quote.GasUnits = v.Uint64()
		}
	}

	c.logger.Debug("aggregator quote",
		zap.String("fromToken", params.FromToken.Hex()),
		zap.String("toToken", params.ToToken.Hex()),
		zap.String("fromAmount", params.Amount.String()),
		zap.Duration("elapsed", time.Since(started)))
	return quote, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
