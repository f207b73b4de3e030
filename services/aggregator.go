package services

import (
	"fmt"
	"sort"
	"time"

	"rental-etl/models"
	"rental-etl/utils"
)

// Aggregator reduces clean rows into one DailyAggregate per (date, zip).
type Aggregator struct {
	logger *utils.Logger
}

func NewAggregator(logger *utils.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Aggregate groups rows by (date, zip) and sums price, lat and long; count is
// the number of rows in the group. The result is sorted by date, then zip.
func (a *Aggregator) Aggregate(rows []models.CleanRow) ([]models.DailyAggregate, error) {
	groups := make(map[models.AggregateKey]*models.DailyAggregate)
	order := make([]models.AggregateKey, 0)

	for _, r := range rows {
		key := models.AggregateKey{Zip: r.Zip, Date: r.Date}
		g, ok := groups[key]
		if !ok {
			day, err := time.Parse(models.DateLayout, r.Date)
			if err != nil {
				return nil, fmt.Errorf("aggregator: parse date %q: %w", r.Date, err)
			}
			g = &models.DailyAggregate{Date: day, Zip: r.Zip}
			groups[key] = g
			order = append(order, key)
		}
		g.Price += r.Price
		g.Lat += r.Lat
		g.Long += r.Long
		g.Count++
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].Date != order[j].Date {
			return order[i].Date < order[j].Date
		}
		return order[i].Zip < order[j].Zip
	})

	out := make([]models.DailyAggregate, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}

	a.logger.Debug("[aggregator] %d rows → %d daily aggregates", len(rows), len(out))
	return out, nil
}
