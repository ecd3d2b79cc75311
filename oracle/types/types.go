package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// IndexCount is the number of indexes the ledger assigns to every oracle.
const IndexCount = 3

// MaxIndex is the largest index value the ledger hands out (indexes are 0..MaxIndex).
const MaxIndex = 9

// DefaultQueueSize bounds the requests waiting for the dispatcher.
const DefaultQueueSize = 1 << 10

// Oracle is a registered reporter identity.
type Oracle struct {
	Address common.Address
	Indexes [IndexCount]uint8
}

// StatusRequest is a decoded OracleRequest event.
type StatusRequest struct {
	Index     uint8
	Airline   common.Address
	Flight    string
	Timestamp *big.Int

	BlockNumber uint64
	TxHash      common.Hash
}

// Key identifies the flight a request is about, for logging.
func (r StatusRequest) Key() string {
	ts := "0"
	if r.Timestamp != nil {
		ts = r.Timestamp.String()
	}

	return fmt.Sprintf("%s/%s/%s", r.Airline.Hex(), r.Flight, ts)
}

// StatusResponse is one submission made on behalf of an oracle.
type StatusResponse struct {
	Oracle    common.Address
	Index     uint8
	Airline   common.Address
	Flight    string
	Timestamp *big.Int
	Status    StatusCode
}

// NewStatusResponse builds the response an oracle sends for req under index.
func NewStatusResponse(oracle common.Address, index uint8, req StatusRequest, status StatusCode) StatusResponse {
	return StatusResponse{
		Oracle:    oracle,
		Index:     index,
		Airline:   req.Airline,
		Flight:    req.Flight,
		Timestamp: req.Timestamp,
		Status:    status,
	}
}

// DispatchSummary counts what happened while answering one request.
type DispatchSummary struct {
	Oracles     int
	Attempted   int
	Succeeded   int
	Failed      int
	IndexErrors int
}

// Add merges o into s.
func (s *DispatchSummary) Add(o DispatchSummary) {
	s.Oracles += o.Oracles
	s.Attempted += o.Attempted
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.IndexErrors += o.IndexErrors
}

func (s DispatchSummary) String() string {
	return fmt.Sprintf("oracles=%d attempted=%d succeeded=%d failed=%d index_errors=%d",
		s.Oracles, s.Attempted, s.Succeeded, s.Failed, s.IndexErrors)
}

// MatchingIndexes returns every slot of indexes equal to want; duplicates are kept.
func MatchingIndexes(indexes [IndexCount]uint8, want uint8) []uint8 {
	var matches []uint8
	for _, idx := range indexes {
		if idx == want {
			matches = append(matches, idx)
		}
	}

	return matches
}

// ValidIndexes reports whether all indexes are inside the ledger range.
func ValidIndexes(indexes [IndexCount]uint8) bool {
	for _, idx := range indexes {
		if idx > MaxIndex {
			return false
		}
	}

	return true
}
