package domain

import "time"

type Place struct {
	ID            int64     `json:"id"`
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	Location      string    `json:"location"`
	Country       string    `json:"country"`
	StartDate     string    `json:"start_date"`         // YYYY-MM-DD
	EndDate       *string   `json:"end_date,omitempty"` // nil for single-day trips
	FavoriteCount int       `json:"favorite_count"`     // lifetime false->true favorite toggles, never decremented
	SortOrder     int       `json:"sort_order"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PlaceInput carries the display fields an admin may set on create/update.
type PlaceInput struct {
	Name      string  `json:"name"`
	Location  string  `json:"location"`
	Country   string  `json:"country"`
	StartDate string  `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

// PlaceView is the public detail projection: a place and its photos in display order.
type PlaceView struct {
	Place  Place   `json:"place"`
	Photos []Photo `json:"photos"`
}
