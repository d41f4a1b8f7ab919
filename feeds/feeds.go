// Package feeds provides the price feed implementations the daemon wires into
// the engine. Production deployments point the file feed at a path an external
// price updater rewrites; tests use the static feed.
package feeds

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"stablemint/native/stable"
)

// StaticFeed serves a fixed answer. The zero value is an unset feed whose
// reads fail the staleness check.
type StaticFeed struct {
	answer    *big.Int
	updatedAt time.Time
	round     int64
}

// NewStaticFeed returns a feed answering with the supplied 8-decimal price as
// of now.
func NewStaticFeed(answer *big.Int) *StaticFeed {
	return &StaticFeed{answer: answer, updatedAt: time.Now(), round: 1}
}

// Update replaces the answer and stamps the observation time.
func (f *StaticFeed) Update(answer *big.Int, updatedAt time.Time) {
	f.answer = answer
	f.updatedAt = updatedAt
	f.round++
}

func (f *StaticFeed) LatestRoundData() (stable.RoundData, error) {
	var answer *big.Int
	if f.answer != nil {
		answer = new(big.Int).Set(f.answer)
	}
	return stable.RoundData{
		RoundID:         big.NewInt(f.round),
		Answer:          answer,
		StartedAt:       f.updatedAt,
		UpdatedAt:       f.updatedAt,
		AnsweredInRound: big.NewInt(f.round),
	}, nil
}

// fileRound is the on-disk shape maintained by the external price updater.
type fileRound struct {
	Round     int64  `json:"round"`
	Price     string `json:"price"`
	UpdatedAt int64  `json:"updatedAt"`
}

// FileFeed reads the latest observation from a JSON file on every call, so a
// dead updater surfaces as staleness rather than a frozen in-memory price.
type FileFeed struct {
	path string
}

func NewFileFeed(path string) *FileFeed {
	return &FileFeed{path: path}
}

func (f *FileFeed) LatestRoundData() (stable.RoundData, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return stable.RoundData{}, fmt.Errorf("feeds: read %s: %w", f.path, err)
	}
	var round fileRound
	if err := json.Unmarshal(raw, &round); err != nil {
		return stable.RoundData{}, fmt.Errorf("feeds: decode %s: %w", f.path, err)
	}
	price, ok := new(big.Int).SetString(round.Price, 10)
	if !ok {
		return stable.RoundData{}, fmt.Errorf("feeds: %s: malformed price %q", f.path, round.Price)
	}
	updated := time.Unix(round.UpdatedAt, 0)
	return stable.RoundData{
		RoundID:         big.NewInt(round.Round),
		Answer:          price,
		StartedAt:       updated,
		UpdatedAt:       updated,
		AnsweredInRound: big.NewInt(round.Round),
	}, nil
}
