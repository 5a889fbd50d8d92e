package solana

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// HistoryRequest asks a feed for one page of a program's transactions.
// Zero From/To leave that side of the window open.
type HistoryRequest struct {
	Program       solana.PublicKey
	From          time.Time
	To            time.Time
	SucceededOnly bool
	PageSize      int
	// Cursor is the opaque continuation returned by the previous page.
	Cursor string
}

// HistoryPage is one page of records. An empty NextCursor means history is
// exhausted.
type HistoryPage struct {
	Records    []*Record
	NextCursor string
}

// HistoryFeed is a paginated source of historical transactions.
type HistoryFeed interface {
	Name() string
	FetchPage(ctx context.Context, req HistoryRequest) (*HistoryPage, error)
}

const defaultPageSize = 100

func pageSize(req HistoryRequest) int {
	if req.PageSize <= 0 {
		return defaultPageSize
	}
	return req.PageSize
}

// SignatureFeed pages history with the standard getSignaturesForAddress
// call, newest first, using the oldest signature of a page as the cursor.
type SignatureFeed struct {
	client *Client
}

// NewSignatureFeed creates a feed over a standard RPC node.
func NewSignatureFeed(client *Client) *SignatureFeed {
	return &SignatureFeed{client: client}
}

func (f *SignatureFeed) Name() string { return "signatures" }

func (f *SignatureFeed) FetchPage(ctx context.Context, req HistoryRequest) (*HistoryPage, error) {
	limit := pageSize(req)
	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	}
	if req.Cursor != "" {
		before, err := solana.SignatureFromBase58(req.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", req.Cursor, err)
		}
		opts.Before = before
	}

	var sigs []*rpc.TransactionSignature
	err := f.client.read(ctx, "GetSignaturesForAddress", func(ctx context.Context) error {
		var err error
		sigs, err = f.client.rpc.GetSignaturesForAddress(ctx, req.Program, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures for %s: %w", req.Program, err)
	}
	f.client.metrics.RecordHistoryPage(f.Name(), len(sigs))

	page := &HistoryPage{}
	exhausted := len(sigs) < limit
	for _, sig := range sigs {
		var blockTime time.Time
		if sig.BlockTime != nil {
			blockTime = sig.BlockTime.Time()
		}
		if sig.BlockTime != nil && !req.To.IsZero() && blockTime.After(req.To) {
			continue
		}
		if sig.BlockTime != nil && !req.From.IsZero() && blockTime.Before(req.From) {
			// Newest first: everything after this is older still.
			exhausted = true
			break
		}
		if req.SucceededOnly && sig.Err != nil {
			continue
		}

		page.Records = append(page.Records, f.load(ctx, sig, blockTime))
	}

	if !exhausted && len(sigs) > 0 {
		page.NextCursor = sigs[len(sigs)-1].Signature.String()
	}
	return page, nil
}

func (f *SignatureFeed) load(ctx context.Context, sig *rpc.TransactionSignature, blockTime time.Time) *Record {
	fallback := &Record{
		Signature: sig.Signature.String(),
		Slot:      sig.Slot,
		BlockTime: blockTime,
		Failed:    sig.Err != nil,
	}

	var result *rpc.GetTransactionResult
	err := f.client.read(ctx, "GetTransaction", func(ctx context.Context) error {
		var err error
		result, err = f.client.rpc.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		})
		return err
	})
	if err == nil && result == nil {
		err = fmt.Errorf("transaction not found")
	}
	if err != nil {
		f.client.logger.WarnContext(ctx, "failed to load transaction body",
			"signature", sig.Signature.String(),
			"error", err,
		)
		fallback.FetchError = err.Error()
		return fallback
	}

	rec, err := recordFromResult(result)
	if err != nil {
		fallback.FetchError = err.Error()
		return fallback
	}
	if sig.BlockTime != nil {
		rec.BlockTime = blockTime
	}
	return rec
}

// IndexerFeed pages history through a hosted indexer's
// getTransactionsForAddress method, which filters by block time and status
// server-side and returns full transactions in ascending order.
type IndexerFeed struct {
	client *Client
}

// NewIndexerFeed creates a feed over an indexer-backed RPC endpoint.
func NewIndexerFeed(client *Client) *IndexerFeed {
	return &IndexerFeed{client: client}
}

func (f *IndexerFeed) Name() string { return "indexer" }

type indexerResponse struct {
	Data            []*rpc.GetTransactionResult `json:"data"`
	PaginationToken *string                     `json:"paginationToken"`
}

func (f *IndexerFeed) FetchPage(ctx context.Context, req HistoryRequest) (*HistoryPage, error) {
	params := []interface{}{req.Program.String(), indexerOptions(req)}

	var out indexerResponse
	err := f.client.read(ctx, "getTransactionsForAddress", func(ctx context.Context) error {
		out = indexerResponse{}
		return f.client.rpc.RPCCallForInto(ctx, &out, "getTransactionsForAddress", params)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", req.Program, err)
	}
	f.client.metrics.RecordHistoryPage(f.Name(), len(out.Data))

	page := &HistoryPage{Records: make([]*Record, 0, len(out.Data))}
	for _, item := range out.Data {
		if item == nil {
			continue
		}
		rec, err := recordFromResult(item)
		if err != nil {
			f.client.logger.WarnContext(ctx, "skipping undecodable history record",
				"slot", item.Slot,
				"error", err,
			)
			page.Records = append(page.Records, &Record{Slot: item.Slot, FetchError: err.Error()})
			continue
		}
		page.Records = append(page.Records, rec)
	}
	if out.PaginationToken != nil {
		page.NextCursor = *out.PaginationToken
	}
	return page, nil
}

func indexerOptions(req HistoryRequest) map[string]interface{} {
	filters := map[string]interface{}{}
	blockTime := map[string]int64{}
	if !req.From.IsZero() {
		blockTime["gte"] = req.From.Unix()
	}
	if !req.To.IsZero() {
		blockTime["lte"] = req.To.Unix()
	}
	if len(blockTime) > 0 {
		filters["blockTime"] = blockTime
	}
	if req.SucceededOnly {
		filters["status"] = "succeeded"
	}

	opts := map[string]interface{}{
		"transactionDetails":             "full",
		"encoding":                       "base64",
		"maxSupportedTransactionVersion": 0,
		"sortOrder":                      "asc",
		"limit":                          pageSize(req),
		"filters":                        filters,
	}
	if req.Cursor != "" {
		opts["paginationToken"] = req.Cursor
	}
	return opts
}
