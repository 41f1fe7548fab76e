package domain

import "time"

type ThumbnailStatus string

const (
	ThumbnailPending    ThumbnailStatus = "pending"
	ThumbnailProcessing ThumbnailStatus = "processing"
	ThumbnailCompleted  ThumbnailStatus = "completed"
	ThumbnailFailed     ThumbnailStatus = "failed"
)

type Photo struct {
	ID              int64           `json:"id"`
	PlaceID         int64           `json:"place_id"`
	Slug            string          `json:"slug"`      // unique within the place
	PhotoNum        int             `json:"photo_num"` // 1-based, contiguous within the place
	FileName        string          `json:"file_name"`
	IsFavorite      bool            `json:"is_favorite"`
	Width           *int            `json:"width,omitempty"`
	Height          *int            `json:"height,omitempty"`
	ThumbnailStatus ThumbnailStatus `json:"thumbnail_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// UploadFile is one file of an upload batch as received by the request layer.
type UploadFile struct {
	Name string
	Data []byte
}

// ThumbnailJob is the payload handed to the thumbnail derivation collaborator.
type ThumbnailJob struct {
	ID       string `json:"id"`
	PlaceID  int64  `json:"place_id"`
	PhotoID  int64  `json:"photo_id"`
	PhotoNum int    `json:"photo_num"`
	FileName string `json:"file_name"`
}

// Variants describes what a derivation run produced for one original.
type Variants struct {
	Width, Height int
	Names         []string // variant directory names written next to the original
}

type ScanVerdict int

const (
	VerdictClean ScanVerdict = iota
	VerdictInfected
)
