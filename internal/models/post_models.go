package models

import "time"

// Post is one forum message as held by the synchronizer. ClientRef is the
// client-generated submission key; the store echoes it back on the change
// feed, which is how an optimistic insert is matched to its confirmation.
type Post struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	ImageURL  *string   `json:"image_url,omitempty"`
	Upvotes   int       `json:"upvotes"`
	CreatedAt time.Time `json:"created_at"`
	ClientRef string    `json:"client_ref,omitempty"`
}

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPostRow is the insert payload for the posts table. The store assigns
// id and created_at.
type NewPostRow struct {
	Body      string  `json:"body"`
	ImageURL  *string `json:"image_url,omitempty"`
	Upvotes   int     `json:"upvotes"`
	ClientRef string  `json:"client_ref"`
}

type NewCommentRow struct {
	PostID string `json:"post_id"`
	Body   string `json:"body"`
}
