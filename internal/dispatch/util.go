package dispatch

import (
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

func newID() string { return uuid.NewString() }

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func isNotFound(err error) bool { return errors.Is(err, models.ErrNotFound) }
