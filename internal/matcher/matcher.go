// Package matcher orders nearby drivers into dispatch offers.
package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ratingWeight converts each missing rating star into seconds of ETA.
const ratingWeight = 30.0

type Offer struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	ETASeconds float64 `json:"eta_seconds"`
	Score      float64 `json:"score"`
}

type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

type Ranker struct {
	ETA  ETA
	TopN int
}

func New(e ETA, topN int) *Ranker {
	if e == nil {
		e = &eta.Resolver{}
	}
	return &Ranker{ETA: e, TopN: topN}
}

// Rank scores candidates by ETA plus a rating penalty and returns the best
// TopN, lowest score first. Ties break on driver id.
func (r *Ranker) Rank(ctx context.Context, pickup models.Coord, cands []geo.NearbyDriver) []Offer {
	observability.CandidatePoolSize.Observe(float64(len(cands)))
	if len(cands) == 0 {
		return nil
	}
	offers := make([]Offer, 0, len(cands))
	for _, d := range cands {
		etaSec := r.ETA.Seconds(ctx, d.Location, pickup)
		rating := d.Rating
		if rating > 5 {
			rating = 5
		}
		offers = append(offers, Offer{
			DriverID:   d.ID,
			DistanceKm: d.DistanceKm,
			ETASeconds: etaSec,
			Score:      etaSec + ratingWeight*(5.0-rating),
		})
	}
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].Score != offers[j].Score {
			return offers[i].Score < offers[j].Score
		}
		return offers[i].DriverID < offers[j].DriverID
	})
	if r.TopN > 0 && len(offers) > r.TopN {
		offers = offers[:r.TopN]
	}
	return offers
}
