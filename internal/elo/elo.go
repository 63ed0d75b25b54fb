// Package elo computes rating changes. It has no I/O dependencies.
package elo

import (
	"fmt"
	"math"

	"github.com/phuaky/pong-rank/internal/domain"
)

const (
	KFactor = 32

	// BaseRating is the rating of every newly registered player.
	BaseRating = 1200
)

// ComputeDelta returns the non-negative rating magnitude transferred by a
// match. Every winner gains it and every loser loses it; it is not split
// across team members. Team rating is the mean of its members.
//
// Rounding is half away from zero. The result is never negative so this
// matches rounding half up.
func ComputeDelta(winnerRatings, loserRatings []int64) (int64, error) {
	if len(winnerRatings) == 0 || len(loserRatings) == 0 {
		return 0, fmt.Errorf("%w: winner and loser ratings must be non-empty", domain.ErrInvalidInput)
	}

	expected := ExpectedScore(mean(winnerRatings), mean(loserRatings))
	return roundHalfAway(KFactor * (1 - expected)), nil
}

// ExpectedScore is the probability that a side rated a beats a side rated b.
func ExpectedScore(a, b float64) float64 {
	return 1 / (1 + math.Pow(10, (b-a)/400))
}

type Stats struct {
	Rating int64
	Wins   uint64
	Losses uint64
}

// Apply returns the stats after a match with the given outcome.
func Apply(s Stats, won bool, delta int64) Stats {
	if won {
		s.Rating += delta
		s.Wins++
	} else {
		s.Rating -= delta
		s.Losses++
	}
	return s
}

// roundHalfAway rounds to the nearest integer; exact halves go away from zero,
// never to even.
func roundHalfAway(x float64) int64 {
	return int64(math.Round(x))
}

func mean(ratings []int64) float64 {
	var sum float64
	for _, r := range ratings {
		sum += float64(r)
	}
	return sum / float64(len(ratings))
}
