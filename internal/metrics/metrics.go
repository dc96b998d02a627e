// Package metrics derives contribution statistics from the completed-task
// ledger.
package metrics

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/db/models"
)

// Contribution is one leaderboard row.
type Contribution struct {
	Rank          int    `json:"rank"`
	Username      string `json:"username"`
	Contributions int    `json:"contributions"`
}

type countRow struct {
	User  string
	Count int
}

// Leaderboard ranks contributors by ledger entries, optionally restricted to
// the last days days and capped at limit rows. Ties share a rank and the next
// distinct count skips past them (competition ranking).
func Leaderboard(ctx context.Context, db *gorm.DB, days, limit int) ([]Contribution, error) {
	query := db.WithContext(ctx).Model(&models.CompletedTask{}).
		Select("user, COUNT(id) AS count").
		Group("user").
		Order("count DESC, user ASC")

	if days > 0 {
		since := time.Now().AddDate(0, 0, -days)
		query = query.Where("completed_date >= ?", since)
	}

	var rows []countRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("aggregate contributions: %w", err)
	}

	ranked := make([]Contribution, 0, len(rows))
	currentRank := 1
	rankIncrement := 0
	previousCount := -1

	for _, row := range rows {
		if previousCount >= 0 && row.Count < previousCount {
			currentRank += rankIncrement
			rankIncrement = 1
		} else {
			rankIncrement++
		}
		ranked = append(ranked, Contribution{
			Rank:          currentRank,
			Username:      row.User,
			Contributions: row.Count,
		})
		previousCount = row.Count

		if limit > 0 && len(ranked) >= limit {
			break
		}
	}
	return ranked, nil
}
