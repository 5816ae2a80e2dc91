// Package selection decides which bid wins an announced service.
package selection

import (
	"errors"
	"fmt"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
)

var ErrNoBids = errors.New("no bids to select from")

// ErrNoMatchingBid is returned when a policy finds no acceptable bid among the offers
var ErrNoMatchingBid = errors.New("no bid satisfies the selection policy")

// SelectionPolicy picks the winning bid. Implementations must be deterministic for a given bid set.
type SelectionPolicy interface {
	Name() string
	Select(bids []*federation.Bid) (*federation.Bid, error)
}

// MinPricePolicy picks the cheapest bid; ties go to the lowest bid index
type MinPricePolicy struct{}

func NewMinPricePolicy() *MinPricePolicy {
	return &MinPricePolicy{}
}

func (p *MinPricePolicy) Name() string {
	return "min-price"
}

func (p *MinPricePolicy) Select(bids []*federation.Bid) (*federation.Bid, error) {
	if len(bids) == 0 {
		return nil, ErrNoBids
	}
	var best *federation.Bid
	for _, bid := range bids {
		if best == nil ||
			bid.Price < best.Price ||
			(bid.Price == best.Price && bid.Index < best.Index) {
			best = bid
		}
	}
	return best, nil
}

// MatchingPricePolicy picks the lowest-indexed bid offering exactly TargetPrice
type MatchingPricePolicy struct {
	TargetPrice uint64
}

func NewMatchingPricePolicy(targetPrice uint64) *MatchingPricePolicy {
	return &MatchingPricePolicy{TargetPrice: targetPrice}
}

func (p *MatchingPricePolicy) Name() string {
	return "matching-price"
}

func (p *MatchingPricePolicy) Select(bids []*federation.Bid) (*federation.Bid, error) {
	if len(bids) == 0 {
		return nil, ErrNoBids
	}
	var match *federation.Bid
	for _, bid := range bids {
		if bid.Price != p.TargetPrice {
			continue
		}
		if match == nil || bid.Index < match.Index {
			match = bid
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: no bid at price %d", ErrNoMatchingBid, p.TargetPrice)
	}
	return match, nil
}

// NewPolicy builds a policy by name
func NewPolicy(name string, targetPrice uint64) (SelectionPolicy, error) {
	switch name {
	case "", "min-price":
		return NewMinPricePolicy(), nil
	case "matching-price":
		return NewMatchingPricePolicy(targetPrice), nil
	}
	return nil, fmt.Errorf("unknown selection policy %q", name)
}
