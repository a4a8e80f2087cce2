package retention

import (
	"context"

	"cloud.google.com/go/civil"
)

// CohortSummary is the aggregate view of one cohort served by the report endpoint.
type CohortSummary struct {
	Start   civil.Date      `json:"start"`
	End     civil.Date      `json:"end"`
	Users   int             `json:"users"`
	Periods []PeriodSummary `json:"periods"`
}

// PeriodSummary counts the cohort members active during a period.
type PeriodSummary struct {
	StartDay    int     `json:"start_day"`
	EndDay      int     `json:"end_day"`
	ActiveUsers int     `json:"active_users"`
	Rate        float64 `json:"rate"`
}

// Summarize loads the cohort's members and per-period activity.
func Summarize(ctx context.Context, cohort *Cohort) (CohortSummary, error) {
	members, err := cohort.Users(ctx)
	if err != nil {
		return CohortSummary{}, err
	}
	periods, err := cohort.Periods()
	if err != nil {
		return CohortSummary{}, err
	}

	summary := CohortSummary{
		Start:   cohort.Start(),
		End:     cohort.End(),
		Users:   len(members),
		Periods: make([]PeriodSummary, 0, len(periods)),
	}
	for _, period := range periods {
		active, err := period.Users(ctx)
		if err != nil {
			return CohortSummary{}, err
		}
		row := PeriodSummary{StartDay: period.StartDay(), EndDay: period.EndDay(), ActiveUsers: len(active)}
		if len(members) > 0 {
			row.Rate = float64(len(active)) / float64(len(members))
		}
		summary.Periods = append(summary.Periods, row)
	}
	return summary, nil
}
