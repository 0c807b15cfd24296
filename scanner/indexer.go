package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// pageSize is the indexer page; a short page terminates the walk.
const pageSize = 100

// borrowersQuery lists accounts with open borrows, paged by skip.
const borrowersQuery = `query Borrowers($pool: String!, $first: Int!, $skip: Int!) {
  users(first: $first, skip: $skip, where: {pool: $pool, borrowedReservesCount_gt: 0}) {
    id
  }
}`

// IndexerClient pages borrower addresses out of the protocol subgraph.
type IndexerClient struct {
	logger *zap.Logger
	url    string
	http   *http.Client
}

// NewIndexerClient builds a client for the GraphQL endpoint.
func NewIndexerClient(url string, logger *zap.Logger) *IndexerClient {
	return &IndexerClient{
		logger: logger.Named("indexer"),
		url:    url,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type borrowersResponse struct {
	Data struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Borrowers walks the full borrower set for a pool. The walk ends when a page
// comes back shorter than the page size.
func (c *IndexerClient) Borrowers(ctx context.Context, pool common.Address) ([]common.Address, error) {
	var out []common.Address
	for skip := 0; ; skip += pageSize {
		page, err := c.page(ctx, pool, skip)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

func (c *IndexerClient) page(ctx context.Context, pool common.Address, skip int) ([]common.Address, error) {
	body, err := json.Marshal(graphqlRequest{
		Query: borrowersQuery,
		Variables: map[string]any{
			"pool":  pool.Hex(),
			"first": pageSize,
			"skip":  skip,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("indexer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer status %d", resp.StatusCode)
	}

	var decoded borrowersResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("indexer decode: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("indexer error: %s", decoded.Errors[0].Message)
	}

	page := make([]common.Address, 0, len(decoded.Data.Users))
	for _, u := range decoded.Data.Users {
		if !common.IsHexAddress(u.ID) {
			c.logger.Warn("indexer returned non-address id", zap.String("id", u.ID))
			continue
		}
		page = append(page, common.HexToAddress(u.ID))
	}
	return page, nil
}
