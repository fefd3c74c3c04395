// Package aggregate folds the active participants of a session into
// cross-participant totals.
package aggregate

import (
	"sort"

	"github.com/telemyapp/livesync/internal/model"
)

// Compute returns false when no participant is active.
//
// AverageHeartRate is the unweighted mean of each participant's own average
// heart rate, not a recomputation over raw samples. Participants without a
// sample count toward Count but not toward the heart-rate mean.
//
// The leader has the highest cumulative energy; ties go to the earliest
// JoinedAt, then to the lowest participant ID, so the result does not depend
// on input order.
func Compute(participants []model.Participant) (model.Aggregate, bool) {
	active := make([]model.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Status == model.ParticipantActive {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return model.Aggregate{}, false
	}

	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].JoinedAt.Equal(active[j].JoinedAt) {
			return active[i].JoinedAt.Before(active[j].JoinedAt)
		}
		return active[i].ID < active[j].ID
	})

	out := model.Aggregate{Count: len(active)}
	var hrSum float64
	var hrN int
	leaderEnergy := -1.0
	for _, p := range active {
		var energy float64
		if p.Metrics != nil {
			energy = p.Metrics.Energy
			out.TotalEnergy += p.Metrics.Energy
			out.TotalDistance += p.Metrics.Distance
			if p.Metrics.AvgHeartRate > 0 {
				hrSum += p.Metrics.AvgHeartRate
				hrN++
			}
		}
		// Strictly greater keeps the earlier joiner on ties.
		if energy > leaderEnergy {
			leaderEnergy = energy
			out.LeaderID = p.ID
		}
	}
	if hrN > 0 {
		out.AverageHeartRate = hrSum / float64(hrN)
	}
	return out, true
}
